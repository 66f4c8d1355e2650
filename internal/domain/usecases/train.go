package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/0xcro3dile/filing-finetune/internal/domain/batching"
	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/domain/ports"
	"github.com/0xcro3dile/filing-finetune/internal/nn"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
	"github.com/0xcro3dile/filing-finetune/internal/platform/metrics"
)

var tracer = otel.Tracer("github.com/0xcro3dile/filing-finetune/usecases")

// TrainSettings are the loop hyperparameters.
type TrainSettings struct {
	TrainBatchSize            int
	GradientAccumulationSteps int
	NumTrainEpochs            int
	MaxSteps                  int
	LearningRate              float64
	AdamEpsilon               float64
	WeightDecay               float64
	WarmupSteps               int
	SaveEpochSteps            int
	MaxSaveCheckpoints        int
	MaxParagraphs             int
	Restore                   bool
	Seed                      int64
	// IsMain is true on the process that owns checkpoints (rank -1 or 0).
	IsMain bool
}

// TrainerDeps are the collaborators a Trainer is wired with.
type TrainerDeps struct {
	Encoder     ports.Encoder
	Pooler      ports.Pooler
	Aggregator  ports.SequenceAggregator
	Auxiliary   ports.AuxiliaryRegressor
	Checkpoints ports.CheckpointStore
	Scalars     ports.ScalarSink
	Evaluator   *Evaluator
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	// NewProgressBar builds the per-epoch bar; nil disables progress output.
	NewProgressBar func(total int, description string) ports.ProgressBar
	// Args is persisted with every checkpoint.
	Args json.RawMessage
}

// TrainResult summarizes a finished run.
type TrainResult struct {
	GlobalStep  int
	AverageLoss float64
}

// Status is a point-in-time view of a running Trainer.
type Status struct {
	Progress     entities.Progress `json:"progress"`
	Epochs       int               `json:"epochs"`
	LearningRate float64           `json:"learning_rate"`
	LastLoss     float64           `json:"last_loss"`
	EvalLoss     float64           `json:"eval_loss"`
	Running      bool              `json:"running"`
}

// Trainer runs the resumable fine-tuning loop.
type Trainer struct {
	deps     TrainerDeps
	settings TrainSettings
	forward  forwardPass
	params   []*nn.Tensor

	mu     sync.Mutex
	status Status
}

// NewTrainer validates the wiring and collects the optimizer's parameter
// set from the components flagged trainable.
func NewTrainer(deps TrainerDeps, settings TrainSettings) (*Trainer, error) {
	switch {
	case deps.Encoder == nil || deps.Pooler == nil || deps.Aggregator == nil:
		return nil, errors.New("trainer: encoder, pooler and aggregator are required")
	case deps.Auxiliary == nil:
		return nil, errors.New("trainer: auxiliary regressor is required")
	case deps.Checkpoints == nil || deps.Evaluator == nil:
		return nil, errors.New("trainer: checkpoint store and evaluator are required")
	}
	params, err := trainableParameters(deps.Encoder, deps.Pooler, deps.Aggregator, deps.Auxiliary)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}

	if settings.GradientAccumulationSteps < 1 {
		settings.GradientAccumulationSteps = 1
	}
	if settings.TrainBatchSize < 1 {
		settings.TrainBatchSize = 1
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	if deps.NewProgressBar == nil {
		deps.NewProgressBar = func(int, string) ports.ProgressBar { return nopBar{} }
	}

	return &Trainer{
		deps:     deps,
		settings: settings,
		forward:  forwardPass{encoder: deps.Encoder, pooler: deps.Pooler, aggregator: deps.Aggregator},
		params:   params,
	}, nil
}

// Status returns a snapshot safe to read from other goroutines.
func (t *Trainer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Trainer) setStatus(fn func(*Status)) {
	t.mu.Lock()
	fn(&t.status)
	t.mu.Unlock()
}

// run is the mutable state of one Train call.
type run struct {
	loader          *batching.Loader
	val             []entities.Document
	opt             *nn.AdamW
	sched           *nn.WarmupLinear
	updatesPerEpoch int
	numEpochs       int
	globalStep      int
	trLoss          float64
}

// Train fine-tunes the aggregator on train, evaluating on val after every
// epoch. Data integrity, corrupt checkpoint and progress drift errors abort
// the run; checkpoint eviction and scalar logging failures only warn.
func (t *Trainer) Train(ctx context.Context, train, val []entities.Document) (res TrainResult, err error) {
	ctx, span := tracer.Start(ctx, "train", trace.WithAttributes(attribute.Int("examples", len(train))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.setStatus(func(s *Status) { s.Running = false })
	}()

	s := t.settings
	log := t.deps.Logger
	gas := s.GradientAccumulationSteps

	r := &run{
		loader: batching.NewLoader(train, max(1, s.TrainBatchSize/gas), true, s.Seed, s.MaxParagraphs),
		val:    val,
	}
	r.updatesPerEpoch = r.loader.Len() / gas
	if r.updatesPerEpoch < 1 {
		return TrainResult{}, fmt.Errorf("%w: %d batches per epoch cannot fill %d accumulation steps",
			entities.ErrEmptyDataset, r.loader.Len(), gas)
	}
	r.numEpochs = s.NumTrainEpochs
	tTotal := r.updatesPerEpoch * s.NumTrainEpochs
	if s.MaxSteps > 0 {
		tTotal = s.MaxSteps
		r.numEpochs = s.MaxSteps/r.updatesPerEpoch + 1
	}
	r.opt = nn.NewAdamW(t.params, s.LearningRate, s.AdamEpsilon, s.WeightDecay)
	r.sched = nn.NewWarmupLinear(r.opt, s.WarmupSteps, tTotal)

	log.Infof("***** Running training *****")
	log.Infof("  Num examples = %d", len(train))
	log.Infof("  Num epochs = %d", r.numEpochs)
	log.Infof("  Batch size = %d", s.TrainBatchSize)
	log.Infof("  Gradient accumulation steps = %d", gas)
	log.Infof("  Total optimization steps = %d", tTotal)

	var progress entities.Progress
	if s.Restore {
		progress, err = t.restore(ctx, r)
		if err != nil {
			return TrainResult{}, err
		}
	}
	r.globalStep = progress.GlobalStep
	t.setStatus(func(st *Status) {
		st.Progress = progress
		st.Epochs = r.numEpochs
		st.LearningRate = r.sched.LR()
		st.Running = true
	})

	r.opt.ZeroGrad()
	for epoch := progress.Epoch; epoch < r.numEpochs; epoch++ {
		skip := 0
		if epoch == progress.Epoch {
			skip = progress.StepOffset * gas
		}
		capped, err := t.runEpoch(ctx, r, epoch, skip)
		if err != nil {
			return TrainResult{}, err
		}
		if capped {
			log.Infof("Reached max_steps=%d at global step %d, stopping", s.MaxSteps, r.globalStep)
			break
		}
	}

	res = TrainResult{GlobalStep: r.globalStep}
	if r.globalStep > 0 {
		res.AverageLoss = r.trLoss / float64(r.globalStep)
	}
	return res, nil
}

// restore resumes from the latest checkpoint. Nothing saved means a fresh
// start; anything else that fails is fatal.
func (t *Trainer) restore(ctx context.Context, r *run) (entities.Progress, error) {
	log := t.deps.Logger
	ckpt, progress, err := t.deps.Checkpoints.Restore(ctx, r.updatesPerEpoch)
	if errors.Is(err, entities.ErrCheckpointNotFound) {
		log.Infof("Start from scratch")
		return entities.Progress{}, nil
	}
	if err != nil {
		return entities.Progress{}, fmt.Errorf("restoring checkpoint: %w", err)
	}
	log.Infof("Load from checkpoint-%d at global step %d", ckpt.Epoch, ckpt.GlobalStep)

	if err := nn.ImportState(t.params, ckpt.Weights); err != nil {
		return entities.Progress{}, fmt.Errorf("%w: model weights: %v", entities.ErrCheckpointCorrupt, err)
	}
	if err := r.opt.LoadState(ckpt.Optimizer); err != nil {
		return entities.Progress{}, fmt.Errorf("%w: optimizer state: %v", entities.ErrCheckpointCorrupt, err)
	}
	r.sched.LoadState(ckpt.Scheduler)

	log.Infof("Continuing training from checkpoint, will skip to saved global_step")
	log.Infof("  Continuing training from epoch %d", progress.Epoch)
	log.Infof("  Continuing training from global step %d", progress.GlobalStep)
	log.Infof("  Will skip the first %d steps in the first epoch", progress.StepOffset)

	if t.deps.Scalars != nil {
		if err := t.deps.Scalars.Purge(ctx, progress.Epoch); err != nil {
			log.Warnf("Purging scalars from epoch %d: %v", progress.Epoch, err)
		}
	}
	return progress, nil
}

// runEpoch trains one pass over the loader, or up to the step cap, then
// runs the epoch-boundary hook. It reports whether the cap was hit.
func (t *Trainer) runEpoch(ctx context.Context, r *run, epoch, skip int) (capped bool, err error) {
	ctx, span := tracer.Start(ctx, "train.epoch", trace.WithAttributes(attribute.Int("epoch", epoch)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	s := t.settings
	m := t.deps.Metrics
	gas := s.GradientAccumulationSteps
	agg := t.deps.Aggregator

	// Gradients of a trailing partial accumulation window are never applied
	// and never checkpointed, so each epoch starts clean.
	r.opt.ZeroGrad()
	agg.Reseed(s.Seed + int64(epoch))
	m.Epoch.Set(float64(epoch))
	t.setStatus(func(st *Status) { st.Progress.Epoch = epoch })

	batches := r.loader.Batches(epoch)
	bar := t.deps.NewProgressBar(len(batches), fmt.Sprintf("Epoch %d", epoch))
	closed := false
	closeBar := func() {
		if closed {
			return
		}
		closed = true
		if err := bar.Close(); err != nil {
			t.deps.Logger.Debugf("closing progress bar: %v", err)
		}
	}
	defer closeBar()

	epochLoss := 0.0
	seen := 0
	for step, batch := range batches {
		if step < skip {
			_ = bar.Add(1)
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		began := time.Now()

		agg.SetTraining(true)
		loss, err := t.step(ctx, batch, epoch, step)
		if err != nil {
			return false, err
		}
		nn.Backward(loss)

		r.trLoss += loss.Data
		epochLoss += loss.Data
		seen++
		bar.Describe(fmt.Sprintf("loss %.6f", loss.Data))
		_ = bar.Add(1)

		if (step+1)%gas == 0 {
			r.opt.Step()
			r.sched.Step()
			r.opt.ZeroGrad()
			r.globalStep++
			m.GlobalStep.Set(float64(r.globalStep))
			m.LearningRate.Set(r.sched.LR())
		}
		m.StepDuration.Observe(time.Since(began).Seconds())
		t.setStatus(func(st *Status) {
			st.Progress.GlobalStep = r.globalStep
			st.Progress.StepOffset = (step + 1) / gas
			st.LastLoss = loss.Data
			st.LearningRate = r.sched.LR()
		})

		if s.MaxSteps > 0 && r.globalStep > s.MaxSteps {
			capped = true
			break
		}
	}
	closeBar()

	return capped, t.endEpoch(ctx, r, epoch, epochLoss, seen)
}

// step runs one mini-batch forward and returns the aggregator loss. The
// auxiliary regressor is scored on the same batch for monitoring only.
func (t *Trainer) step(ctx context.Context, batch entities.MiniBatch, epoch, step int) (*nn.Value, error) {
	h, err := BuildHierarchy(batch)
	if err != nil {
		return nil, annotate(err, "train", epoch, step)
	}
	preds, err := t.forward.predict(ctx, h, true)
	if err != nil {
		return nil, fmt.Errorf("train epoch %d step %d: %w", epoch, step, err)
	}
	loss := nn.MSE(preds, batch.Labels)
	if math.IsNaN(loss.Data) || math.IsInf(loss.Data, 0) {
		return nil, fmt.Errorf("train epoch %d step %d: non-finite loss %v", epoch, step, loss.Data)
	}

	auxLoss, _, err := t.deps.Auxiliary.ScoreBatch(ctx, batch.Features, batch.Labels)
	if err != nil {
		return nil, fmt.Errorf("train epoch %d step %d: %s: %w", epoch, step, t.deps.Auxiliary.Name(), err)
	}
	t.deps.Metrics.AuxiliaryLoss.Set(auxLoss)
	t.deps.Logger.Debugf("epoch %d step %d loss %.6f kpi_loss %.6f", epoch, step, loss.Data, auxLoss)
	return loss, nil
}

// endEpoch logs the epoch, evaluates, and on the main process saves and
// evicts checkpoints.
func (t *Trainer) endEpoch(ctx context.Context, r *run, epoch int, epochLoss float64, seen int) error {
	s := t.settings
	log := t.deps.Logger
	m := t.deps.Metrics

	meanLoss := 0.0
	if seen > 0 {
		meanLoss = epochLoss / float64(seen)
	}
	log.Infof("Epoch %d done: global step %d, mean loss %.6f, lr %g", epoch, r.globalStep, meanLoss, r.sched.LR())
	m.TrainLoss.Set(meanLoss)
	t.addScalar(ctx, "lr", r.sched.LR(), epoch)
	t.addScalar(ctx, "loss", meanLoss, epoch)

	results, err := t.deps.Evaluator.Evaluate(ctx, r.val)
	if err != nil {
		return fmt.Errorf("epoch %d evaluation: %w", epoch, err)
	}
	for key, value := range results {
		t.addScalar(ctx, "eval_"+key, value, epoch)
	}
	if loss, ok := results["loss"]; ok {
		m.EvalLoss.Set(loss)
		t.setStatus(func(st *Status) { st.EvalLoss = loss })
	}

	if !s.IsMain || s.SaveEpochSteps <= 0 || epoch%s.SaveEpochSteps != 0 {
		return nil
	}
	id, err := t.save(ctx, r, epoch)
	if err != nil {
		return err
	}
	m.CheckpointsSaved.Inc()
	log.Infof("Saving model checkpoint, optimizer, global_step to %s", id)

	if err := t.deps.Checkpoints.Evict(ctx, epoch, s.SaveEpochSteps, s.MaxSaveCheckpoints); err != nil {
		m.EvictionFailures.Inc()
		log.Warnf("Evicting old checkpoints: %v", err)
	}
	return nil
}

func (t *Trainer) save(ctx context.Context, r *run, epoch int) (id string, err error) {
	ctx, span := tracer.Start(ctx, "checkpoint.save", trace.WithAttributes(attribute.Int("epoch", epoch)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	id, err = t.deps.Checkpoints.Save(ctx, entities.Checkpoint{
		Epoch:      epoch,
		GlobalStep: r.globalStep,
		Weights:    nn.ExportState(t.params),
		Optimizer:  r.opt.State(),
		Scheduler:  r.sched.State(),
		Config:     t.deps.Args,
	})
	if err != nil {
		return "", fmt.Errorf("saving checkpoint for epoch %d: %w", epoch, err)
	}
	return id, nil
}

func (t *Trainer) addScalar(ctx context.Context, tag string, value float64, step int) {
	if t.deps.Scalars == nil {
		return
	}
	if err := t.deps.Scalars.AddScalar(ctx, tag, value, step); err != nil {
		t.deps.Logger.Warnf("Recording scalar %s: %v", tag, err)
	}
}

type nopBar struct{}

func (nopBar) Add(int) error   { return nil }
func (nopBar) Describe(string) {}
func (nopBar) Close() error    { return nil }
