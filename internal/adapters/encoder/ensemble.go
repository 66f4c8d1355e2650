package encoder

import (
	"errors"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
)

// Ensemble pools a paragraph to the final hidden state of its first token.
type Ensemble struct{}

// NewEnsemble creates the token-0 pooler.
func NewEnsemble() Ensemble { return Ensemble{} }

func (Ensemble) Name() string    { return "adapter-ensemble" }
func (Ensemble) Trainable() bool { return false }

// Pool returns a copy of hidden[0].
func (Ensemble) Pool(hidden [][]float64) (entities.Embedding, error) {
	if len(hidden) == 0 || len(hidden[0]) == 0 {
		return nil, errors.New("no hidden states to pool")
	}
	return append(entities.Embedding(nil), hidden[0]...), nil
}
