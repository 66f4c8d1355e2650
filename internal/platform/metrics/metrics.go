package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments of a training run
type Metrics struct {
	GlobalStep       prometheus.Gauge
	Epoch            prometheus.Gauge
	TrainLoss        prometheus.Gauge
	EvalLoss         prometheus.Gauge
	LearningRate     prometheus.Gauge
	AuxiliaryLoss    prometheus.Gauge
	CheckpointsSaved prometheus.Counter
	EvictionFailures prometheus.Counter
	StepDuration     prometheus.Histogram
}

// New creates and registers all training metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GlobalStep: f.NewGauge(prometheus.GaugeOpts{
			Name: "finetune_global_step",
			Help: "Optimizer updates applied so far",
		}),
		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "finetune_epoch",
			Help: "Epoch currently running",
		}),
		TrainLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "finetune_train_loss",
			Help: "Mean aggregator loss of the last completed epoch",
		}),
		EvalLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "finetune_eval_loss",
			Help: "Validation loss of the last evaluation",
		}),
		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "finetune_learning_rate",
			Help: "Learning rate of the next optimizer update",
		}),
		AuxiliaryLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "finetune_auxiliary_loss",
			Help: "KPI regressor loss on the last training batch",
		}),
		CheckpointsSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "finetune_checkpoints_saved_total",
			Help: "Checkpoints written",
		}),
		EvictionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "finetune_checkpoint_eviction_failures_total",
			Help: "Checkpoint evictions that failed and were skipped",
		}),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "finetune_step_duration_seconds",
			Help:    "Wall time of one training mini-batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// NewNop returns metrics registered on a private registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
