// Package app is the composition root: it builds every adapter from a
// Config and runs the requested train/eval phases.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/0xcro3dile/filing-finetune/internal/adapters/aggregator"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/auxiliary"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/checkpoint"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/encoder"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/featurecache"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/filewatcher"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/loader"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/report"
	"github.com/0xcro3dile/filing-finetune/internal/adapters/scalardb"
	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/domain/ports"
	"github.com/0xcro3dile/filing-finetune/internal/domain/usecases"
	httpserver "github.com/0xcro3dile/filing-finetune/internal/infrastructure/http"
	"github.com/0xcro3dile/filing-finetune/internal/platform/config"
	"github.com/0xcro3dile/filing-finetune/internal/platform/fsutil"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
	"github.com/0xcro3dile/filing-finetune/internal/platform/metrics"
)

// Dataset splits read from data_dir.
const (
	TrainSplit = "train"
	ValSplit   = "val"
)

// Options carries process-level dependencies.
type Options struct {
	// Stdout receives logs and progress bars. Defaults to os.Stdout.
	Stdout io.Writer
	// Registry receives the run's metrics. Defaults to a fresh registry.
	Registry *prometheus.Registry
	// RunID overrides the generated run identifier.
	RunID string
}

// Result is what a run produced.
type Result struct {
	RunID       string
	GlobalStep  int
	AverageLoss float64
	Eval        map[string]float64
}

// scalarStore is a ScalarSink that holds a resource.
type scalarStore interface {
	ports.ScalarSink
	Close() error
}

// App is a fully wired fine-tuning run.
type App struct {
	cfg      config.Config
	runID    string
	out      io.Writer
	log      *logger.Logger
	registry *prometheus.Registry

	encoder     ports.Encoder
	pooler      ports.Pooler
	aggregator  *aggregator.RNN
	auxiliary   *auxiliary.KPI
	checkpoints *checkpoint.FSStore
	reports     *report.File
	scalars     scalarStore
	cache       *featurecache.Cache
	reader      *loader.JSONL
	evaluator   *usecases.Evaluator
	trainer     *usecases.Trainer
}

// New validates cfg and wires every component.
func New(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if !cfg.IsMain() && level < logger.LevelWarn {
		level = logger.LevelWarn
	}
	log := logger.New(opts.Stdout, level, fmt.Sprintf("[%s] ", shortID(opts.RunID)))

	a := &App{cfg: cfg, runID: opts.RunID, out: opts.Stdout, log: log, registry: opts.Registry}
	if err := a.wireModels(); err != nil {
		return nil, err
	}
	if err := a.wireStorage(); err != nil {
		return nil, err
	}

	m := metrics.New(opts.Registry)
	a.evaluator = usecases.NewEvaluator(a.encoder, a.pooler, a.aggregator, a.reports,
		cfg.EvalBatchSize, cfg.MaxParagraphs, log)

	args, err := cfg.JSON()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("encoding training args: %w", err)
	}
	a.trainer, err = usecases.NewTrainer(usecases.TrainerDeps{
		Encoder:        a.encoder,
		Pooler:         a.pooler,
		Aggregator:     a.aggregator,
		Auxiliary:      a.auxiliary,
		Checkpoints:    a.checkpoints,
		Scalars:        a.scalars,
		Evaluator:      a.evaluator,
		Metrics:        m,
		Logger:         log,
		NewProgressBar: a.progressBar,
		Args:           args,
	}, usecases.TrainSettings{
		TrainBatchSize:            cfg.TrainBatchSize,
		GradientAccumulationSteps: cfg.GradientAccumulationSteps,
		NumTrainEpochs:            cfg.NumTrainEpochs,
		MaxSteps:                  cfg.MaxSteps,
		LearningRate:              cfg.LearningRate,
		AdamEpsilon:               cfg.AdamEpsilon,
		WeightDecay:               cfg.WeightDecay,
		WarmupSteps:               cfg.WarmupSteps,
		SaveEpochSteps:            cfg.SaveEpochSteps,
		MaxSaveCheckpoints:        cfg.MaxSaveCheckpoints,
		MaxParagraphs:             cfg.MaxParagraphs,
		Restore:                   cfg.Restore,
		Seed:                      cfg.Seed,
		IsMain:                    cfg.IsMain(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wireModels() error {
	cfg := a.cfg
	enc, err := a.openEncoder()
	if err != nil {
		return err
	}
	a.encoder = enc
	a.pooler = encoder.NewEnsemble()

	a.aggregator, err = aggregator.New(aggregator.Config{
		InputSize:   cfg.RNNInputSize,
		HiddenSize:  cfg.RNNHiddenSize,
		NumLayers:   cfg.RNNNumLayers,
		HeadSize:    cfg.RNNHeadSize,
		DropoutProb: cfg.RNNDropoutProb,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return err
	}

	a.auxiliary, err = auxiliary.Open(cfg.KPIModelPath, auxiliary.Config{
		InputSize:    cfg.KPIInputSize,
		HiddenLayers: cfg.KPIHiddenLayers,
		HiddenSize:   cfg.KPIHiddenSize,
		Seed:         cfg.Seed,
		AllowSeeded:  cfg.AllowSeededWeights,
	}, a.log)
	return err
}

// openEncoder picks a remote encoder for http(s) paths and the local
// pretrained weights otherwise.
func (a *App) openEncoder() (ports.Encoder, error) {
	cfg := a.cfg
	if u, err := url.Parse(cfg.EncoderPath); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if !cfg.FreezeEncoder {
			return nil, errors.New("remote encoder cannot be fine-tuned; set freeze_encoder")
		}
		base := u.Scheme + "://" + u.Host
		a.log.Infof("Using remote encoder %s at %s", cfg.EncoderName(), base)
		return encoder.NewRemote(base, cfg.EncoderName(), a.log), nil
	}
	enc, err := encoder.Open(cfg.EncoderPath, cfg.EncoderBuckets, cfg.RNNInputSize, cfg.MaxSeqLength, cfg.EncoderSeed, cfg.AllowSeededWeights, a.log)
	if err != nil {
		return nil, err
	}
	enc.SetTrainable(!cfg.FreezeEncoder)
	return enc, nil
}

func (a *App) wireStorage() error {
	cfg := a.cfg
	runDir := cfg.RunDir()
	a.checkpoints = checkpoint.NewFSStore(runDir, a.log)
	a.reports = report.NewFile(runDir, cfg.ModelName(), a.log)
	a.reader = loader.NewJSONL(cfg.DataDir, cfg.TypeText, cfg.LabelVariant, cfg.MaxSeqLength, cfg.MaxParagraphs)

	var barrier ports.Barrier
	if !cfg.IsMain() {
		barrier = filewatcher.NewFileBarrier(a.log)
	}
	a.cache = featurecache.New(cfg.DataDir, cfg.IsMain(), cfg.OverwriteCache, barrier, a.log)

	if !cfg.IsMain() {
		a.scalars = scalardb.NewMemoryStore()
		return nil
	}
	store, err := scalardb.NewSQLiteStore(filepath.Join(cfg.OutputDir, cfg.ScalarDir()), a.runID)
	if err != nil {
		return fmt.Errorf("opening scalar ledger: %w", err)
	}
	a.scalars = store
	return nil
}

// progressBar draws on the main rank only.
func (a *App) progressBar(total int, description string) ports.ProgressBar {
	w := a.out
	if !a.cfg.IsMain() {
		w = io.Discard
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(0),
	)
}

// RunID identifies this run in logs and the scalar ledger.
func (a *App) RunID() string { return a.runID }

// Trainer exposes the wired trainer.
func (a *App) Trainer() *usecases.Trainer { return a.trainer }

// Run executes the configured phases until done or ctx is cancelled.
func (a *App) Run(ctx context.Context) (Result, error) {
	cfg := a.cfg
	res := Result{RunID: a.runID}
	a.log.Infof("Training/evaluation parameters: model %s, rank %d", cfg.ModelName(), cfg.LocalRank)

	if cfg.StatusAddr != "" && cfg.IsMain() {
		srvCtx, stop := context.WithCancel(ctx)
		defer stop()
		srv := httpserver.NewServer(a.trainer, a.registry, a.runID, cfg.StatusAddr, a.log)
		go func() {
			if err := srv.Start(srvCtx); err != nil {
				a.log.Warnf("Status server stopped: %v", err)
			}
		}()
	}

	train, val, err := a.loadSplits(ctx)
	if err != nil {
		return res, err
	}

	if cfg.DoTrain {
		tr, err := a.trainer.Train(ctx, train, val)
		if err != nil {
			return res, err
		}
		res.GlobalStep, res.AverageLoss = tr.GlobalStep, tr.AverageLoss
		a.log.Infof(" global_step = %d, average loss = %g", tr.GlobalStep, tr.AverageLoss)
		if cfg.IsMain() {
			if err := a.export(); err != nil {
				return res, err
			}
		}
	}

	if cfg.DoEval && cfg.IsMain() {
		if !cfg.DoTrain {
			if err := a.loadExported(); err != nil {
				return res, err
			}
		}
		res.Eval, err = a.evaluator.Evaluate(ctx, val)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// loadSplits reads the validation split and, when training, the training
// split concurrently through the feature cache.
func (a *App) loadSplits(ctx context.Context) (train, val []entities.Document, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := a.cache.Load(gctx, a.cacheKey(ValSplit), true, a.build(ValSplit))
		val = docs
		return err
	})
	if a.cfg.DoTrain {
		g.Go(func() error {
			docs, err := a.cache.Load(gctx, a.cacheKey(TrainSplit), false, a.build(TrainSplit))
			train = docs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("loading datasets: %w", err)
	}
	return train, val, nil
}

func (a *App) cacheKey(split string) featurecache.Key {
	return featurecache.Key{
		Split:        split,
		Encoder:      a.cfg.EncoderName(),
		MaxSeqLength: a.cfg.MaxSeqLength,
		Task:         a.cfg.TaskName,
		LabelVariant: a.cfg.LabelVariant,
		TextType:     a.cfg.TypeText,
	}
}

func (a *App) build(split string) featurecache.BuildFunc {
	return func(ctx context.Context) ([]entities.Document, error) {
		return a.reader.Load(ctx, split)
	}
}

// export writes the final aggregator, and the encoder when it was trained,
// into the run directory.
func (a *App) export() error {
	dir := a.cfg.RunDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	a.log.Infof("Saving RNN model checkpoint to %s", dir)
	if err := checkpoint.SaveModel(filepath.Join(dir, checkpoint.ModelFile), a.aggregator.StateDict()); err != nil {
		return fmt.Errorf("exporting model: %w", err)
	}
	if enc, ok := a.encoder.(*encoder.Pretrained); ok && enc.Trainable() {
		a.log.Infof("Saving encoder checkpoint to %s", dir)
		if err := enc.Save(dir); err != nil {
			return fmt.Errorf("exporting encoder: %w", err)
		}
	}
	args, err := a.cfg.JSON()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, checkpoint.ArgsFile), args, 0644)
}

// loadExported restores the aggregator exported by an earlier training run.
func (a *App) loadExported() error {
	path := filepath.Join(a.cfg.RunDir(), checkpoint.ModelFile)
	sd, err := checkpoint.LoadModel(path)
	if errors.Is(err, os.ErrNotExist) {
		a.log.Warnf("No trained model at %s, evaluating initial weights", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading trained model: %w", err)
	}
	return a.aggregator.LoadStateDict(sd)
}

// Close releases the scalar ledger.
func (a *App) Close() error {
	if a.scalars == nil {
		return nil
	}
	return a.scalars.Close()
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
