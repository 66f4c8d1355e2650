package usecases

import (
	"context"
	"fmt"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/domain/ports"
	"github.com/0xcro3dile/filing-finetune/internal/nn"
)

// forwardPass is the per-document pipeline shared by training and
// evaluation: encode each paragraph, pool it, aggregate the sequence.
type forwardPass struct {
	encoder    ports.Encoder
	pooler     ports.Pooler
	aggregator ports.SequenceAggregator
}

// predict returns one prediction node per document of h, in batch order.
// With tracked set, a trainable encoder contributes graph nodes so its
// parameters receive gradients; otherwise embeddings enter as constants.
func (f forwardPass) predict(ctx context.Context, h entities.Hierarchy, tracked bool) ([]*nn.Value, error) {
	preds := make([]*nn.Value, h.Len())
	for d := 0; d < h.Len(); d++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paras := h.Document(d)
		seq := make([][]*nn.Value, len(paras))
		for i, p := range paras {
			emb, err := f.embed(ctx, p, tracked)
			if err != nil {
				return nil, fmt.Errorf("embedding document %d paragraph %d: %w", d, i, err)
			}
			seq[i] = emb
		}
		pred, err := f.aggregator.Forward(seq)
		if err != nil {
			return nil, fmt.Errorf("aggregating document %d: %w", d, err)
		}
		preds[d] = pred
	}
	return preds, nil
}

func (f forwardPass) embed(ctx context.Context, p entities.Paragraph, tracked bool) ([]*nn.Value, error) {
	if tracked && f.encoder.Trainable() {
		if te, ok := f.encoder.(ports.TrackedEncoder); ok {
			return te.EncodeTracked(ctx, p)
		}
	}
	hidden, err := f.encoder.Encode(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.encoder.Name(), err)
	}
	emb, err := f.pooler.Pool(hidden)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.pooler.Name(), err)
	}
	return nn.Constants(emb), nil
}

// trainableParameters collects the tensors of every component whose role
// is trainable. A trainable component without parameters is a wiring error.
func trainableParameters(components ...ports.Component) ([]*nn.Tensor, error) {
	var params []*nn.Tensor
	for _, c := range components {
		if c == nil || !c.Trainable() {
			continue
		}
		p, ok := c.(ports.Parameterized)
		if !ok {
			return nil, fmt.Errorf("component %s is trainable but exposes no parameters", c.Name())
		}
		params = append(params, p.Parameters()...)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no trainable parameters")
	}
	return params, nil
}
