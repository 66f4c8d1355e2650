package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/filing-finetune/internal/nn"
)

func small(t *testing.T, seed int64, dropout float64) *RNN {
	t.Helper()
	m, err := New(Config{InputSize: 3, HiddenSize: 4, NumLayers: 2, HeadSize: 2, DropoutProb: dropout, Seed: seed})
	require.NoError(t, err)
	return m
}

var seq = [][]float64{{0.1, 0.2, 0.3}, {-0.5, 0.4, 0.0}, {1, -1, 0.5}}

func TestRNN_ParameterNames(t *testing.T) {
	keys := small(t, 1, 0).StateDict().Keys()
	assert.Equal(t, []string{
		"linear_layers.1.bias", "linear_layers.1.weight",
		"linear_layers.4.bias", "linear_layers.4.weight",
		"linear_layers.7.bias", "linear_layers.7.weight",
		"lstm.bias_hh_l0", "lstm.bias_hh_l1", "lstm.bias_ih_l0", "lstm.bias_ih_l1",
		"lstm.weight_hh_l0", "lstm.weight_hh_l1", "lstm.weight_ih_l0", "lstm.weight_ih_l1",
	}, keys)
}

func TestRNN_OrderMatters(t *testing.T) {
	m, err := New(Config{InputSize: 3, HiddenSize: 8, NumLayers: 1, HeadSize: 8, Seed: 4})
	require.NoError(t, err)
	a, err := m.Predict(seq)
	require.NoError(t, err)
	b, err := m.Predict([][]float64{seq[2], seq[1], seq[0]})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRNN_EvalIsDeterministic(t *testing.T) {
	m := small(t, 1, 0.5)
	a, err := m.Predict(seq)
	require.NoError(t, err)
	b, err := m.Predict(seq)
	require.NoError(t, err)
	assert.Equal(t, a, b, "dropout is inert outside training")
}

func TestRNN_ReseedReplaysDropout(t *testing.T) {
	m := small(t, 1, 0.5)
	m.SetTraining(true)

	run := func() []float64 {
		m.Reseed(7)
		var out []float64
		for i := 0; i < 5; i++ {
			v, err := m.Predict(seq)
			require.NoError(t, err)
			out = append(out, v)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestRNN_StateDictRoundTrip(t *testing.T) {
	src, dst := small(t, 1, 0), small(t, 2, 0)
	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	a, err := src.Predict(seq)
	require.NoError(t, err)
	b, err := dst.Predict(seq)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	wide, err := New(Config{InputSize: 3, HiddenSize: 5, NumLayers: 2, HeadSize: 2})
	require.NoError(t, err)
	assert.Error(t, wide.LoadStateDict(src.StateDict()))
}

func TestRNN_Gradients(t *testing.T) {
	m := small(t, 3, 0)
	in := make([][]*nn.Value, len(seq))
	for i, e := range seq {
		in[i] = nn.Constants(e)
	}
	pred, err := m.Forward(in)
	require.NoError(t, err)
	nn.Backward(nn.MSE([]*nn.Value{pred}, []float64{10}))

	nonzero := 0
	for _, p := range m.Parameters() {
		p.Each(func(_ int, v *nn.Value) {
			if v.Grad != 0 {
				nonzero++
			}
		})
	}
	assert.Positive(t, nonzero)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{InputSize: 0, HiddenSize: 1, NumLayers: 1, HeadSize: 1})
	assert.Error(t, err)
	_, err = New(Config{InputSize: 1, HiddenSize: 1, NumLayers: 1, HeadSize: 1, DropoutProb: 1})
	assert.Error(t, err)
	_, err = small(t, 1, 0).Predict(nil)
	assert.Error(t, err)
}
