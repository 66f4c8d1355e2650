// Package aggregator provides sequence aggregator adapters.
// Clean Architecture: Adapter implementing ports.SequenceAggregator.
package aggregator

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/0xcro3dile/filing-finetune/internal/nn"
)

// Config sizes an RNN.
type Config struct {
	InputSize   int
	HiddenSize  int
	NumLayers   int
	HeadSize    int
	DropoutProb float64
	// Seed drives weight initialization.
	Seed int64
}

// RNN runs an LSTM over a document's paragraph embeddings and regresses the
// top layer's last hidden state through
// ReLU, Linear(h,h), Dropout, ReLU, Linear(h,head), Dropout, ReLU, Linear(head,1).
type RNN struct {
	lstm     *nn.LSTM
	fc1      *nn.Linear
	fc2      *nn.Linear
	out      *nn.Linear
	drop     nn.Dropout
	rng      *rand.Rand
	training bool
}

// New builds an RNN with freshly initialized weights.
func New(cfg Config) (*RNN, error) {
	switch {
	case cfg.InputSize < 1 || cfg.HiddenSize < 1 || cfg.NumLayers < 1 || cfg.HeadSize < 1:
		return nil, errors.New("aggregator: sizes must be >= 1")
	case cfg.DropoutProb < 0 || cfg.DropoutProb >= 1:
		return nil, fmt.Errorf("aggregator: dropout %v outside [0, 1)", cfg.DropoutProb)
	}
	wrng := rand.New(rand.NewSource(cfg.Seed))
	return &RNN{
		lstm: nn.NewLSTM("lstm", cfg.InputSize, cfg.HiddenSize, cfg.NumLayers, wrng),
		fc1:  nn.NewLinear("linear_layers.1", cfg.HiddenSize, cfg.HiddenSize, wrng),
		fc2:  nn.NewLinear("linear_layers.4", cfg.HiddenSize, cfg.HeadSize, wrng),
		out:  nn.NewLinear("linear_layers.7", cfg.HeadSize, 1, wrng),
		drop: nn.Dropout{P: cfg.DropoutProb},
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (m *RNN) Name() string    { return "rnn" }
func (m *RNN) Trainable() bool { return true }

// SetTraining toggles dropout.
func (m *RNN) SetTraining(training bool) { m.training = training }

// Reseed restarts the dropout stream.
func (m *RNN) Reseed(seed int64) { m.rng = rand.New(rand.NewSource(seed)) }

// Parameters lists the LSTM tensors followed by the head.
func (m *RNN) Parameters() []*nn.Tensor {
	params := m.lstm.Parameters()
	for _, l := range []*nn.Linear{m.fc1, m.fc2, m.out} {
		params = append(params, l.Parameters()...)
	}
	return params
}

// Forward predicts one value for the ordered paragraph embeddings seq.
func (m *RNN) Forward(seq [][]*nn.Value) (*nn.Value, error) {
	h, err := m.lstm.Forward(seq)
	if err != nil {
		return nil, err
	}
	x := m.fc1.Forward(nn.ReLUs(h))
	x = m.drop.Forward(x, m.training, m.rng)
	x = m.fc2.Forward(nn.ReLUs(x))
	x = m.drop.Forward(x, m.training, m.rng)
	return m.out.Forward(nn.ReLUs(x))[0], nil
}

// Predict runs Forward on plain embeddings.
func (m *RNN) Predict(seq [][]float64) (float64, error) {
	in := make([][]*nn.Value, len(seq))
	for i, e := range seq {
		in[i] = nn.Constants(e)
	}
	v, err := m.Forward(in)
	if err != nil {
		return 0, err
	}
	return v.Data, nil
}

// StateDict snapshots every weight.
func (m *RNN) StateDict() nn.StateDict { return nn.ExportState(m.Parameters()) }

// LoadStateDict overwrites every weight; sd must match exactly.
func (m *RNN) LoadStateDict(sd nn.StateDict) error {
	if err := nn.ImportState(m.Parameters(), sd); err != nil {
		return fmt.Errorf("rnn: %w", err)
	}
	return nil
}
