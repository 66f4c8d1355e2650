// Package auxiliary provides the frozen KPI regressor.
// Clean Architecture: Adapter implementing ports.AuxiliaryRegressor.
package auxiliary

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/0xcro3dile/filing-finetune/internal/platform/fsutil"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// WeightsFile is looked up when the model path is a directory.
const WeightsFile = "kpi_model.json"

// Layer is one serialized linear layer, weight stored [out][in].
type Layer struct {
	Weight [][]float64 `json:"weight"`
	Bias   []float64   `json:"bias"`
}

// Weights is the serialized KPI model.
type Weights struct {
	InputSize    int     `json:"input_size"`
	HiddenLayers int     `json:"hidden_layers"`
	HiddenSize   int     `json:"hidden_size"`
	Layers       []Layer `json:"layers"`
}

type dense struct {
	w *mat.Dense // in x out
	b []float64
}

// KPI regresses the label from the numeric KPI features: Linear when it has
// no hidden layer, otherwise Linear, ReLU, Linear. Dropout is inert since
// the model is only ever scored. It is never trained.
type KPI struct {
	inputSize int
	layers    []dense
}

// Config sizes a seeded KPI model.
type Config struct {
	InputSize    int
	HiddenLayers int
	HiddenSize   int
	Seed         int64
	// AllowSeeded lets Open fall back to a seeded model when the configured
	// file is missing.
	AllowSeeded bool
}

// NewSeeded builds a KPI model with U(-1/sqrt(in), 1/sqrt(in)) weights.
func NewSeeded(cfg Config) (*KPI, error) {
	if cfg.InputSize < 1 || cfg.HiddenLayers < 0 || cfg.HiddenLayers > 1 || (cfg.HiddenLayers == 1 && cfg.HiddenSize < 1) {
		return nil, errors.New("kpi: invalid sizes")
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	layer := func(in, out int) Layer {
		bound := 1 / math.Sqrt(float64(in))
		draw := func() float64 { return (rng.Float64()*2 - 1) * bound }
		l := Layer{Weight: make([][]float64, out), Bias: make([]float64, out)}
		for o := range l.Weight {
			l.Weight[o] = make([]float64, in)
			for i := range l.Weight[o] {
				l.Weight[o][i] = draw()
			}
			l.Bias[o] = draw()
		}
		return l
	}
	w := Weights{InputSize: cfg.InputSize, HiddenLayers: cfg.HiddenLayers, HiddenSize: cfg.HiddenSize}
	if cfg.HiddenLayers == 0 {
		w.Layers = []Layer{layer(cfg.InputSize, 1)}
	} else {
		w.Layers = []Layer{layer(cfg.InputSize, cfg.HiddenSize), layer(cfg.HiddenSize, 1)}
	}
	return FromWeights(w)
}

// FromWeights validates w and builds the model.
func FromWeights(w Weights) (*KPI, error) {
	if len(w.Layers) != w.HiddenLayers+1 {
		return nil, fmt.Errorf("kpi: %d layers for %d hidden layers", len(w.Layers), w.HiddenLayers)
	}
	m := &KPI{inputSize: w.InputSize}
	in := w.InputSize
	for i, l := range w.Layers {
		out := len(l.Weight)
		if out == 0 || len(l.Bias) != out {
			return nil, fmt.Errorf("kpi layer %d: %d rows, %d biases", i, out, len(l.Bias))
		}
		d := mat.NewDense(in, out, nil)
		for o, row := range l.Weight {
			if len(row) != in {
				return nil, fmt.Errorf("kpi layer %d row %d: %d inputs, want %d", i, o, len(row), in)
			}
			for j, v := range row {
				d.Set(j, o, v)
			}
		}
		m.layers = append(m.layers, dense{w: d, b: append([]float64(nil), l.Bias...)})
		in = out
	}
	if in != 1 {
		return nil, fmt.Errorf("kpi: final layer has %d outputs, want 1", in)
	}
	return m, nil
}

// Open loads the model at path (a JSON file, or a directory holding
// kpi_model.json). An empty path yields a seeded model. A missing file is an
// error unless cfg.AllowSeeded is set.
func Open(path string, cfg Config, log *logger.Logger) (*KPI, error) {
	if log == nil {
		log = logger.Discard()
	}
	if path == "" {
		log.Infof("No KPI model configured, using seeded model (seed %d)", cfg.Seed)
		return NewSeeded(cfg)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, WeightsFile)
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && cfg.AllowSeeded {
		log.Warnf("No KPI model at %s, using seeded model (seed %d)", path, cfg.Seed)
		return NewSeeded(cfg)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no KPI model at %s, set allow_seeded_weights to start from seed: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("reading kpi model: %w", err)
	}
	var w Weights
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding kpi model: %w", err)
	}
	m, err := FromWeights(w)
	if err != nil {
		return nil, err
	}
	if m.inputSize != cfg.InputSize {
		return nil, fmt.Errorf("kpi: model takes %d features, configured %d", m.inputSize, cfg.InputSize)
	}
	log.Infof("Loaded KPI model from %s", path)
	return m, nil
}

// Save writes the model as JSON to path.
func (m *KPI) Save(path string) error {
	w := Weights{InputSize: m.inputSize, HiddenLayers: len(m.layers) - 1}
	for i, l := range m.layers {
		in, out := l.w.Dims()
		if i == 0 && len(m.layers) > 1 {
			w.HiddenSize = out
		}
		layer := Layer{Weight: make([][]float64, out), Bias: append([]float64(nil), l.b...)}
		for o := 0; o < out; o++ {
			layer.Weight[o] = make([]float64, in)
			mat.Col(layer.Weight[o], o, l.w)
		}
		w.Layers = append(w.Layers, layer)
	}
	return fsutil.WriteJSONAtomic(path, w)
}

func (m *KPI) Name() string    { return "kpi" }
func (m *KPI) Trainable() bool { return false }

// Predict returns one prediction per feature row.
func (m *KPI) Predict(features [][]float64) ([]float64, error) {
	n := len(features)
	if n == 0 {
		return nil, nil
	}
	x := mat.NewDense(n, m.inputSize, nil)
	for i, row := range features {
		if len(row) != m.inputSize {
			return nil, fmt.Errorf("kpi: row %d has %d features, want %d", i, len(row), m.inputSize)
		}
		x.SetRow(i, row)
	}
	var cur mat.Matrix = x
	for i, l := range m.layers {
		var next mat.Dense
		next.Mul(cur, l.w)
		hidden := i < len(m.layers)-1
		next.Apply(func(_, j int, v float64) float64 {
			v += l.b[j]
			if hidden && v < 0 {
				return 0
			}
			return v
		}, &next)
		cur = &next
	}
	return mat.Col(nil, 0, cur), nil
}

// ScoreBatch returns the mean squared error of the predictions against labels.
func (m *KPI) ScoreBatch(ctx context.Context, features [][]float64, labels []float64) (float64, []float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if len(features) != len(labels) {
		return 0, nil, fmt.Errorf("kpi: %d feature rows for %d labels", len(features), len(labels))
	}
	if len(labels) == 0 {
		return 0, nil, errors.New("kpi: empty batch")
	}
	preds, err := m.Predict(features)
	if err != nil {
		return 0, nil, err
	}
	diff := make([]float64, len(preds))
	floats.SubTo(diff, preds, labels)
	return floats.Dot(diff, diff) / float64(len(diff)), preds, nil
}

// Checksum fingerprints every weight.
func (m *KPI) Checksum() string {
	h := sha256.New()
	var buf [8]byte
	put := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	for _, l := range m.layers {
		r, c := l.w.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				put(l.w.At(i, j))
			}
		}
		for _, v := range l.b {
			put(v)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
