package usecases

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/0xcro3dile/filing-finetune/internal/domain/batching"
	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/domain/ports"
	"github.com/0xcro3dile/filing-finetune/internal/nn"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// Evaluator scores the aggregator on a held-out set.
// Single Responsibility: one sequential, gradient-free pass.
type Evaluator struct {
	forward       forwardPass
	reports       ports.ReportWriter
	batchSize     int
	maxParagraphs int
	log           *logger.Logger
}

// NewEvaluator creates an Evaluator with injected dependencies.
func NewEvaluator(
	encoder ports.Encoder,
	pooler ports.Pooler,
	aggregator ports.SequenceAggregator,
	reports ports.ReportWriter,
	batchSize, maxParagraphs int,
	log *logger.Logger,
) *Evaluator {
	if batchSize <= 0 {
		batchSize = 64
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Evaluator{
		forward:       forwardPass{encoder: encoder, pooler: pooler, aggregator: aggregator},
		reports:       reports,
		batchSize:     batchSize,
		maxParagraphs: maxParagraphs,
		log:           log,
	}
}

// Evaluate runs docs in order with dropout off and no gradient, and returns
// {"loss": mean of per-batch MSE}. Results are also handed to the report writer.
func (e *Evaluator) Evaluate(ctx context.Context, docs []entities.Document) (results map[string]float64, err error) {
	ctx, span := tracer.Start(ctx, "evaluate", trace.WithAttributes(attribute.Int("examples", len(docs))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	loader := batching.NewLoader(docs, e.batchSize, false, 0, e.maxParagraphs)
	e.log.Infof("***** Running evaluation *****")
	e.log.Infof("  Num examples = %d", len(docs))
	e.log.Infof("  Batch size = %d", e.batchSize)

	e.forward.aggregator.SetTraining(false)

	losses := make([]float64, 0, loader.Len())
	for step, batch := range loader.Batches(0) {
		h, err := BuildHierarchy(batch)
		if err != nil {
			return nil, annotate(err, "eval", -1, step)
		}
		preds, err := e.forward.predict(ctx, h, false)
		if err != nil {
			return nil, fmt.Errorf("eval step %d: %w", step, err)
		}
		losses = append(losses, batchMSE(nn.Data(preds), batch.Labels))
	}
	if len(losses) == 0 {
		return nil, fmt.Errorf("evaluating: %w", entities.ErrEmptyDataset)
	}

	results = map[string]float64{"loss": stat.Mean(losses, nil)}
	if e.reports != nil {
		if err := e.reports.WriteResults(ctx, results); err != nil {
			return nil, fmt.Errorf("writing eval results: %w", err)
		}
	}
	return results, nil
}

func batchMSE(preds, labels []float64) float64 {
	diff := make([]float64, len(preds))
	floats.SubTo(diff, preds, labels)
	return floats.Dot(diff, diff) / float64(len(diff))
}

// annotate stamps where a data integrity error surfaced.
func annotate(err error, stage string, epoch, step int) error {
	var die *entities.DataIntegrityError
	if errors.As(err, &die) {
		die.Stage, die.Epoch, die.Step = stage, epoch, step
	}
	return err
}
