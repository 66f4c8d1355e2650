package nn

import (
	"fmt"
	"math"
)

// AdamW is Adam with decoupled weight decay and bias correction, matching
// the update rule of the pytorch-transformers optimizer the model was first
// trained with.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	CorrectBias bool

	params []*Tensor
	slots  map[string]*adamSlot
}

type adamSlot struct {
	step     int
	expAvg   []float64
	expAvgSq []float64
}

// AdamSlotState is the persisted moment estimates for one tensor.
type AdamSlotState struct {
	Step     int       `json:"step"`
	ExpAvg   []float64 `json:"exp_avg"`
	ExpAvgSq []float64 `json:"exp_avg_sq"`
}

// AdamWState is the persisted optimizer state.
type AdamWState struct {
	LR          float64                  `json:"lr"`
	Betas       [2]float64               `json:"betas"`
	Eps         float64                  `json:"eps"`
	WeightDecay float64                  `json:"weight_decay"`
	CorrectBias bool                     `json:"correct_bias"`
	Slots       map[string]AdamSlotState `json:"state"`
}

// NewAdamW builds an optimizer over params with betas (0.9, 0.999).
func NewAdamW(params []*Tensor, lr, eps, weightDecay float64) *AdamW {
	if eps <= 0 {
		eps = 1e-8
	}
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         eps,
		WeightDecay: weightDecay,
		CorrectBias: true,
		params:      params,
		slots:       make(map[string]*adamSlot, len(params)),
	}
}

// Params returns the tensors being optimized.
func (o *AdamW) Params() []*Tensor { return o.params }

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step() {
	for _, p := range o.params {
		s, ok := o.slots[p.Name]
		if !ok {
			s = &adamSlot{expAvg: make([]float64, p.Size()), expAvgSq: make([]float64, p.Size())}
			o.slots[p.Name] = s
		}
		s.step++
		stepSize := o.LR
		if o.CorrectBias {
			bc1 := 1 - math.Pow(o.Beta1, float64(s.step))
			bc2 := 1 - math.Pow(o.Beta2, float64(s.step))
			stepSize = stepSize * math.Sqrt(bc2) / bc1
		}
		p.Each(func(i int, v *Value) {
			g := v.Grad
			s.expAvg[i] = o.Beta1*s.expAvg[i] + (1-o.Beta1)*g
			s.expAvgSq[i] = o.Beta2*s.expAvgSq[i] + (1-o.Beta2)*g*g
			denom := math.Sqrt(s.expAvgSq[i]) + o.Eps
			v.Data -= stepSize * s.expAvg[i] / denom
			if o.WeightDecay > 0 {
				v.Data -= o.LR * o.WeightDecay * v.Data
			}
		})
	}
}

// ZeroGrad clears gradients of every optimized tensor.
func (o *AdamW) ZeroGrad() {
	ZeroGrad(o.params)
}

// State snapshots hyperparameters and moments.
func (o *AdamW) State() AdamWState {
	st := AdamWState{
		LR:          o.LR,
		Betas:       [2]float64{o.Beta1, o.Beta2},
		Eps:         o.Eps,
		WeightDecay: o.WeightDecay,
		CorrectBias: o.CorrectBias,
		Slots:       make(map[string]AdamSlotState, len(o.slots)),
	}
	for name, s := range o.slots {
		st.Slots[name] = AdamSlotState{
			Step:     s.step,
			ExpAvg:   append([]float64(nil), s.expAvg...),
			ExpAvgSq: append([]float64(nil), s.expAvgSq...),
		}
	}
	return st
}

// LoadState replaces hyperparameters and moments. Slots must name optimized
// tensors and match their sizes.
func (o *AdamW) LoadState(st AdamWState) error {
	sizes := make(map[string]int, len(o.params))
	for _, p := range o.params {
		sizes[p.Name] = p.Size()
	}
	slots := make(map[string]*adamSlot, len(st.Slots))
	for name, s := range st.Slots {
		size, ok := sizes[name]
		if !ok {
			return fmt.Errorf("optimizer state for unknown tensor %q", name)
		}
		if len(s.ExpAvg) != size || len(s.ExpAvgSq) != size {
			return fmt.Errorf("optimizer state for %q: got %d/%d moments, want %d", name, len(s.ExpAvg), len(s.ExpAvgSq), size)
		}
		slots[name] = &adamSlot{
			step:     s.Step,
			expAvg:   append([]float64(nil), s.ExpAvg...),
			expAvgSq: append([]float64(nil), s.ExpAvgSq...),
		}
	}
	o.LR = st.LR
	o.Beta1, o.Beta2 = st.Betas[0], st.Betas[1]
	o.Eps = st.Eps
	o.WeightDecay = st.WeightDecay
	o.CorrectBias = st.CorrectBias
	o.slots = slots
	return nil
}

// WarmupLinear ramps the learning rate linearly from 0 to the base rate over
// WarmupSteps, then decays it linearly to 0 at TotalSteps.
type WarmupLinear struct {
	WarmupSteps int
	TotalSteps  int

	opt      *AdamW
	baseLR   float64
	lastStep int
}

// ScheduleState is the persisted schedule position.
type ScheduleState struct {
	LastStep    int     `json:"last_epoch"`
	BaseLR      float64 `json:"base_lr"`
	WarmupSteps int     `json:"warmup_steps"`
	TotalSteps  int     `json:"t_total"`
}

// NewWarmupLinear attaches a schedule to opt and sets its rate for step 0.
func NewWarmupLinear(opt *AdamW, warmupSteps, totalSteps int) *WarmupLinear {
	s := &WarmupLinear{
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
		opt:         opt,
		baseLR:      opt.LR,
	}
	opt.LR = s.baseLR * s.Multiplier(0)
	return s
}

// Multiplier is the factor applied to the base rate at step.
func (s *WarmupLinear) Multiplier(step int) float64 {
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	return math.Max(0, float64(s.TotalSteps-step)/float64(max(1, s.TotalSteps-s.WarmupSteps)))
}

// Step advances the schedule by one optimizer update.
func (s *WarmupLinear) Step() {
	s.lastStep++
	s.opt.LR = s.baseLR * s.Multiplier(s.lastStep)
}

// LR is the learning rate the next optimizer update will use.
func (s *WarmupLinear) LR() float64 { return s.opt.LR }

// State snapshots the schedule.
func (s *WarmupLinear) State() ScheduleState {
	return ScheduleState{
		LastStep:    s.lastStep,
		BaseLR:      s.baseLR,
		WarmupSteps: s.WarmupSteps,
		TotalSteps:  s.TotalSteps,
	}
}

// LoadState restores the schedule, including its horizon, and re-derives
// the optimizer's current rate.
func (s *WarmupLinear) LoadState(st ScheduleState) {
	s.lastStep = st.LastStep
	s.baseLR = st.BaseLR
	s.WarmupSteps = st.WarmupSteps
	s.TotalSteps = st.TotalSteps
	s.opt.LR = s.baseLR * s.Multiplier(s.lastStep)
}
