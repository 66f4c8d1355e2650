package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Linear is y = Wx + b with W stored as [out][in].
type Linear struct {
	Weight *Tensor
	Bias   *Tensor
}

// NewLinear initializes W and b from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	fill := Uniform(rng, 1/math.Sqrt(float64(in)))
	return &Linear{
		Weight: NewTensor(name+".weight", out, in, fill),
		Bias:   NewTensor(name+".bias", 1, out, fill),
	}
}

// Forward applies the layer to x.
func (l *Linear) Forward(x []*Value) []*Value {
	out := make([]*Value, len(l.Weight.Rows))
	for i, row := range l.Weight.Rows {
		out[i] = Add(Dot(row, x), l.Bias.Rows[0][i])
	}
	return out
}

// Parameters returns weight then bias.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.Weight, l.Bias}
}

// Dropout zeroes each input with probability P during training and rescales
// survivors by 1/(1-P). Outside training it is the identity.
type Dropout struct {
	P float64
}

// Forward applies dropout to x using rng for the keep mask.
func (d Dropout) Forward(x []*Value, training bool, rng *rand.Rand) []*Value {
	if !training || d.P <= 0 {
		return x
	}
	out := make([]*Value, len(x))
	if d.P >= 1 {
		for i, v := range x {
			out[i] = Scale(v, 0)
		}
		return out
	}
	keep := 1 / (1 - d.P)
	for i, v := range x {
		if rng.Float64() < d.P {
			out[i] = Scale(v, 0)
		} else {
			out[i] = Scale(v, keep)
		}
	}
	return out
}

// ReLUs applies ReLU elementwise.
func ReLUs(x []*Value) []*Value {
	out := make([]*Value, len(x))
	for i, v := range x {
		out[i] = ReLU(v)
	}
	return out
}

// LSTM is a stacked long short-term memory network with PyTorch's parameter
// layout: gates ordered input, forget, cell, output.
type LSTM struct {
	InputSize  int
	HiddenSize int
	layers     []lstmLayer
}

type lstmLayer struct {
	weightIH *Tensor // [4H][in]
	weightHH *Tensor // [4H][H]
	biasIH   *Tensor // [1][4H]
	biasHH   *Tensor // [1][4H]
}

// NewLSTM initializes every weight and bias from U(-1/sqrt(H), 1/sqrt(H)).
func NewLSTM(name string, inputSize, hiddenSize, numLayers int, rng *rand.Rand) *LSTM {
	fill := Uniform(rng, 1/math.Sqrt(float64(hiddenSize)))
	m := &LSTM{InputSize: inputSize, HiddenSize: hiddenSize}
	in := inputSize
	for l := 0; l < numLayers; l++ {
		m.layers = append(m.layers, lstmLayer{
			weightIH: NewTensor(fmt.Sprintf("%s.weight_ih_l%d", name, l), 4*hiddenSize, in, fill),
			weightHH: NewTensor(fmt.Sprintf("%s.weight_hh_l%d", name, l), 4*hiddenSize, hiddenSize, fill),
			biasIH:   NewTensor(fmt.Sprintf("%s.bias_ih_l%d", name, l), 1, 4*hiddenSize, fill),
			biasHH:   NewTensor(fmt.Sprintf("%s.bias_hh_l%d", name, l), 1, 4*hiddenSize, fill),
		})
		in = hiddenSize
	}
	return m
}

// NumLayers reports the stack depth.
func (m *LSTM) NumLayers() int { return len(m.layers) }

// Parameters returns the tensors layer by layer.
func (m *LSTM) Parameters() []*Tensor {
	var out []*Tensor
	for _, l := range m.layers {
		out = append(out, l.weightIH, l.weightHH, l.biasIH, l.biasHH)
	}
	return out
}

// Forward runs seq through the stack from zero initial state and returns
// the top layer's hidden state after the last element.
func (m *LSTM) Forward(seq [][]*Value) ([]*Value, error) {
	if len(seq) == 0 {
		return nil, fmt.Errorf("lstm: empty sequence")
	}
	H := m.HiddenSize

	// Concatenated [W_ih | W_hh] rows so each gate is one Dot over [x; h].
	joined := make([][][]*Value, len(m.layers))
	for l, layer := range m.layers {
		rows := make([][]*Value, 4*H)
		for r := range rows {
			row := make([]*Value, 0, len(layer.weightIH.Rows[r])+H)
			row = append(row, layer.weightIH.Rows[r]...)
			row = append(row, layer.weightHH.Rows[r]...)
			rows[r] = row
		}
		joined[l] = rows
	}

	hs := make([][]*Value, len(m.layers))
	cs := make([][]*Value, len(m.layers))
	for l := range m.layers {
		hs[l] = Constants(make([]float64, H))
		cs[l] = Constants(make([]float64, H))
	}

	for t, x := range seq {
		if len(x) != m.InputSize {
			return nil, fmt.Errorf("lstm: step %d has %d features, want %d", t, len(x), m.InputSize)
		}
		input := x
		for l, layer := range m.layers {
			xh := make([]*Value, 0, len(input)+H)
			xh = append(xh, input...)
			xh = append(xh, hs[l]...)

			gates := make([]*Value, 4*H)
			for r := range gates {
				gates[r] = Add(Add(Dot(joined[l][r], xh), layer.biasIH.Rows[0][r]), layer.biasHH.Rows[0][r])
			}

			h := make([]*Value, H)
			c := make([]*Value, H)
			for j := 0; j < H; j++ {
				i := Sigmoid(gates[j])
				f := Sigmoid(gates[H+j])
				g := Tanh(gates[2*H+j])
				o := Sigmoid(gates[3*H+j])
				c[j] = Add(Mul(f, cs[l][j]), Mul(i, g))
				h[j] = Mul(o, Tanh(c[j]))
			}
			hs[l], cs[l] = h, c
			input = h
		}
	}
	return hs[len(hs)-1], nil
}
