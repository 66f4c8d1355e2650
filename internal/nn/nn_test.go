package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkGradients compares the analytic gradient of loss w.r.t. every scalar
// in params against a central difference.
func checkGradients(t *testing.T, params []*Tensor, loss func() *Value) {
	t.Helper()
	ZeroGrad(params)
	Backward(loss())

	const eps = 1e-5
	for _, p := range params {
		p.Each(func(i int, v *Value) {
			orig := v.Data
			v.Data = orig + eps
			up := loss().Data
			v.Data = orig - eps
			down := loss().Data
			v.Data = orig
			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, v.Grad, 1e-6, "%s[%d]", p.Name, i)
		})
	}
}

func TestBackward_Primitives(t *testing.T) {
	a, b := V(0.3), V(-1.2)
	out := Add(Mul(Tanh(a), Sigmoid(b)), Sub(Scale(a, 2), ReLU(b)))
	Backward(out)

	sb := 1 / (1 + math.Exp(1.2))
	assert.InDelta(t, (1-math.Pow(math.Tanh(0.3), 2))*sb+2, a.Grad, 1e-12)
	assert.InDelta(t, math.Tanh(0.3)*sb*(1-sb), b.Grad, 1e-12)
}

func TestBackward_AccumulatesIntoLeaves(t *testing.T) {
	w := V(2)
	Backward(Mul(w, V(3)))
	Backward(Mul(w, V(4)))
	assert.Equal(t, 7.0, w.Grad)
}

func TestBackward_SharedNode(t *testing.T) {
	x := V(3)
	y := Mul(x, x)
	Backward(Add(y, y))
	assert.Equal(t, 12.0, x.Grad)
}

func TestDot_MatchesManualSum(t *testing.T) {
	a := Constants([]float64{1, 2, 3})
	b := Constants([]float64{4, -5, 6})
	d := Dot(a, b)
	assert.Equal(t, 12.0, d.Data)

	Backward(d)
	assert.Equal(t, []float64{4, -5, 6}, []float64{a[0].Grad, a[1].Grad, a[2].Grad})
	assert.Equal(t, []float64{1, 2, 3}, []float64{b[0].Grad, b[1].Grad, b[2].Grad})
}

func TestMSE(t *testing.T) {
	preds := Constants([]float64{1, 3})
	loss := MSE(preds, []float64{0, 1})
	assert.InDelta(t, 2.5, loss.Data, 1e-12)

	Backward(loss)
	assert.InDelta(t, 1.0, preds[0].Grad, 1e-12)
	assert.InDelta(t, 2.0, preds[1].Grad, 1e-12)
}

func TestLSTM_GradientsMatchFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	lstm := NewLSTM("lstm", 2, 3, 2, rng)
	head := NewLinear("head", 3, 1, rng)
	params := append(lstm.Parameters(), head.Parameters()...)

	seq := [][]float64{{0.5, -0.1}, {0.2, 0.9}, {-0.7, 0.3}}
	loss := func() *Value {
		in := make([][]*Value, len(seq))
		for i, x := range seq {
			in[i] = Constants(x)
		}
		h, err := lstm.Forward(in)
		require.NoError(t, err)
		return MSE(head.Forward(h), []float64{0.25})
	}

	checkGradients(t, params, loss)
}

func TestLSTM_RejectsBadInput(t *testing.T) {
	lstm := NewLSTM("lstm", 2, 2, 1, rand.New(rand.NewSource(1)))

	_, err := lstm.Forward(nil)
	assert.Error(t, err)

	_, err = lstm.Forward([][]*Value{Constants([]float64{1, 2, 3})})
	assert.Error(t, err)
}

func TestLSTM_ParameterNames(t *testing.T) {
	lstm := NewLSTM("lstm", 4, 3, 2, rand.New(rand.NewSource(1)))
	var names []string
	for _, p := range lstm.Parameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"lstm.weight_ih_l0", "lstm.weight_hh_l0", "lstm.bias_ih_l0", "lstm.bias_hh_l0",
		"lstm.weight_ih_l1", "lstm.weight_hh_l1", "lstm.bias_ih_l1", "lstm.bias_hh_l1",
	}, names)

	r, c := lstm.Parameters()[0].Shape()
	assert.Equal(t, 12, r)
	assert.Equal(t, 4, c)
	r, c = lstm.Parameters()[4].Shape()
	assert.Equal(t, 12, r)
	assert.Equal(t, 3, c)
}

func TestDropout(t *testing.T) {
	x := Constants([]float64{1, 1, 1, 1, 1, 1, 1, 1})
	rng := rand.New(rand.NewSource(3))

	assert.Equal(t, x, Dropout{P: 0.5}.Forward(x, false, rng))

	out := Dropout{P: 0.5}.Forward(x, true, rng)
	for _, v := range out {
		assert.Contains(t, []float64{0, 2}, v.Data)
	}

	for _, v := range (Dropout{P: 1}).Forward(x, true, rng) {
		assert.Equal(t, 0.0, v.Data)
	}
}

func TestStateDict_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	src := NewLinear("fc", 3, 2, rng)
	dst := NewLinear("fc", 3, 2, rng)

	require.NoError(t, ImportState(dst.Parameters(), ExportState(src.Parameters())))
	assert.Equal(t, ExportState(src.Parameters()), ExportState(dst.Parameters()))
}

func TestImportState_Mismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	l := NewLinear("fc", 3, 2, rng)

	sd := ExportState(l.Parameters())
	sd["fc.weight"] = [][]float64{{1, 2, 3}}
	assert.ErrorContains(t, ImportState(l.Parameters(), sd), "rows")

	sd = ExportState(l.Parameters())
	delete(sd, "fc.bias")
	assert.ErrorContains(t, ImportState(l.Parameters(), sd), "missing")

	sd = ExportState(l.Parameters())
	sd["other"] = [][]float64{{1}}
	assert.ErrorContains(t, ImportState(l.Parameters(), sd), "unexpected")
}

func TestAdamW_SingleStep(t *testing.T) {
	p := NewTensor("w", 1, 1, func() float64 { return 1 })
	p.Rows[0][0].Grad = 0.5

	opt := NewAdamW([]*Tensor{p}, 0.1, 1e-8, 0)
	opt.Step()

	// With bias correction the first step moves by ~lr in the gradient's sign.
	assert.InDelta(t, 0.9, p.Rows[0][0].Data, 1e-5)

	opt.ZeroGrad()
	assert.Equal(t, 0.0, p.Rows[0][0].Grad)
}

func TestAdamW_WeightDecay(t *testing.T) {
	p := NewTensor("w", 1, 1, func() float64 { return 2 })
	opt := NewAdamW([]*Tensor{p}, 0.1, 1e-8, 0.5)
	opt.Step()
	assert.InDelta(t, 2-0.1*0.5*2, p.Rows[0][0].Data, 1e-12)
}

func TestAdamW_StateRoundTrip(t *testing.T) {
	mk := func() *Tensor { return NewTensor("w", 2, 2, func() float64 { return 1 }) }
	p := mk()
	p.Each(func(i int, v *Value) { v.Grad = float64(i) / 10 })
	opt := NewAdamW([]*Tensor{p}, 0.01, 1e-8, 0)
	opt.Step()
	opt.Step()

	q := mk()
	restored := NewAdamW([]*Tensor{q}, 1, 1, 0)
	require.NoError(t, restored.LoadState(opt.State()))
	assert.Equal(t, opt.State(), restored.State())

	bad := opt.State()
	bad.Slots["w"] = AdamSlotState{Step: 1, ExpAvg: []float64{1}, ExpAvgSq: []float64{1}}
	assert.Error(t, restored.LoadState(bad))
}

func TestWarmupLinear(t *testing.T) {
	opt := NewAdamW(nil, 1, 1e-8, 0)
	s := NewWarmupLinear(opt, 2, 10)

	want := []float64{0, 0.5, 1, 0.875, 0.75, 0.625, 0.5, 0.375, 0.25, 0.125, 0, 0}
	for step, lr := range want {
		assert.InDelta(t, lr, s.LR(), 1e-12, "step %d", step)
		s.Step()
	}
}

func TestWarmupLinear_NoWarmupStartsAtBase(t *testing.T) {
	opt := NewAdamW(nil, 5e-5, 1e-8, 0)
	s := NewWarmupLinear(opt, 0, 4)
	assert.InDelta(t, 5e-5, s.LR(), 1e-18)
}

func TestWarmupLinear_StateRestoresRate(t *testing.T) {
	opt := NewAdamW(nil, 1, 1e-8, 0)
	s := NewWarmupLinear(opt, 0, 8)
	for i := 0; i < 3; i++ {
		s.Step()
	}

	other := NewWarmupLinear(NewAdamW(nil, 1, 1e-8, 0), 0, 100)
	other.LoadState(s.State())
	assert.Equal(t, s.State(), other.State())
	assert.Equal(t, s.LR(), other.LR())
}
