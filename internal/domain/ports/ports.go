// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
package ports

import (
	"context"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/nn"
)

// Component is any model part that takes part in a forward pass.
// Its role decides whether the optimizer may touch it.
type Component interface {
	// Name identifies the component in logs and errors.
	Name() string

	// Trainable reports whether the component's parameters are optimized.
	Trainable() bool
}

// Parameterized exposes trainable tensors. Components flagged trainable
// must implement it.
type Parameterized interface {
	Parameters() []*nn.Tensor
}

// Encoder is the frozen pretrained paragraph encoder.
type Encoder interface {
	Component

	// Encode returns the final hidden states (sequence x hidden) for p.
	Encode(ctx context.Context, p entities.Paragraph) ([][]float64, error)
}

// TrackedEncoder is an Encoder that can also produce graph nodes, so
// gradients flow into its own parameters when it is trainable.
type TrackedEncoder interface {
	Encoder
	Parameterized

	// EncodeTracked returns the pooled embedding of p as graph nodes.
	EncodeTracked(ctx context.Context, p entities.Paragraph) ([]*nn.Value, error)
}

// Pooler fuses an encoder's hidden states into one paragraph embedding.
type Pooler interface {
	Component

	// Pool reduces hidden states to a single embedding.
	Pool(hidden [][]float64) (entities.Embedding, error)
}

// SequenceAggregator maps an ordered sequence of paragraph embeddings to
// one prediction.
type SequenceAggregator interface {
	Component
	Parameterized

	// Forward builds the prediction graph for one document.
	Forward(seq [][]*nn.Value) (*nn.Value, error)

	// SetTraining toggles dropout.
	SetTraining(training bool)

	// Reseed resets the dropout random stream.
	Reseed(seed int64)

	// StateDict snapshots the weights.
	StateDict() nn.StateDict

	// LoadStateDict overwrites the weights.
	LoadStateDict(sd nn.StateDict) error
}

// AuxiliaryRegressor is the frozen numeric-feature model scored alongside
// the aggregator.
type AuxiliaryRegressor interface {
	Component

	// ScoreBatch returns the batch mean squared error and the predictions.
	ScoreBatch(ctx context.Context, features [][]float64, labels []float64) (float64, []float64, error)
}

// CheckpointStore persists and restores training state.
type CheckpointStore interface {
	// Save persists ckpt and records its global step as the latest.
	// It returns an identifier of the saved checkpoint.
	Save(ctx context.Context, ckpt entities.Checkpoint) (string, error)

	// Restore loads the checkpoint selected by the latest global step.
	// It returns ErrCheckpointNotFound when nothing was ever saved.
	Restore(ctx context.Context, stepsPerEpoch int) (entities.Checkpoint, entities.Progress, error)

	// Evict removes checkpoints that fall out of the retention window.
	Evict(ctx context.Context, epoch, saveInterval, retain int) error
}

// ScalarSink records per-epoch training scalars.
type ScalarSink interface {
	// AddScalar records value under tag at step.
	AddScalar(ctx context.Context, tag string, value float64, step int) error

	// Purge drops every record at or after step.
	Purge(ctx context.Context, fromStep int) error
}

// ReportWriter persists evaluation results.
type ReportWriter interface {
	// WriteResults persists metric name/value pairs.
	WriteResults(ctx context.Context, results map[string]float64) error
}

// Barrier blocks until the file at path exists.
type Barrier interface {
	Wait(ctx context.Context, path string) error
}

// ProgressBar reports in-epoch progress.
type ProgressBar interface {
	Add(n int) error
	Describe(description string)
	Close() error
}
