// Package encoder provides paragraph encoder adapters.
// Clean Architecture: Adapters implementing ports.Encoder and ports.Pooler.
package encoder

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

	"gonum.org/v1/gonum/mat"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/nn"
	"github.com/0xcro3dile/filing-finetune/internal/platform/fsutil"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// WeightsFile is the file Open looks for inside the encoder path.
const WeightsFile = "encoder.json"

// Weights is the serialized form of a Pretrained encoder.
type Weights struct {
	Buckets      int         `json:"buckets"`
	HiddenSize   int         `json:"hidden_size"`
	MaxSeqLength int         `json:"max_seq_length"`
	Token        [][]float64 `json:"token_embeddings"`
	Position     [][]float64 `json:"position_embeddings"`
	Segment      [][]float64 `json:"segment_embeddings"`
	Mix          [][]float64 `json:"mix"`
	Bias         []float64   `json:"bias"`
}

// Pretrained is a small contextual encoder: hashed token, position and
// segment embeddings summed per real token, shifted by the paragraph's mean
// token vector and mixed through one tanh layer. Masked positions come out
// as zero rows.
//
// It is frozen unless built trainable; then only the mixing layer is
// exposed to the optimizer.
type Pretrained struct {
	name      string
	buckets   int
	hidden    int
	maxSeq    int
	tok       *mat.Dense // buckets x hidden
	pos       *mat.Dense // maxSeq x hidden
	seg       *mat.Dense // 2 x hidden
	mix       *mat.Dense // hidden(in) x hidden(out)
	bias      *mat.VecDense
	trainable bool
	mixT      *nn.Tensor // hidden(out) x hidden(in), mirrors mix when trainable
	biasT     *nn.Tensor // 1 x hidden
}

// NewPretrained builds a seeded encoder.
func NewPretrained(name string, buckets, hidden, maxSeq int, seed int64) *Pretrained {
	rng := rand.New(rand.NewSource(seed))
	normal := func(rows, cols int, std float64) *mat.Dense {
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = rng.NormFloat64() * std
		}
		return mat.NewDense(rows, cols, data)
	}
	bound := 1 / math.Sqrt(float64(hidden))
	mixData := make([]float64, hidden*hidden)
	for i := range mixData {
		mixData[i] = (rng.Float64()*2 - 1) * bound
	}
	return &Pretrained{
		name:    name,
		buckets: buckets,
		hidden:  hidden,
		maxSeq:  maxSeq,
		tok:     normal(buckets, hidden, 0.02),
		pos:     normal(maxSeq, hidden, 0.02),
		seg:     normal(2, hidden, 0.02),
		mix:     mat.NewDense(hidden, hidden, mixData),
		bias:    mat.NewVecDense(hidden, nil),
	}
}

// FromWeights validates w and builds the encoder it describes.
func FromWeights(name string, w Weights) (*Pretrained, error) {
	h := w.HiddenSize
	switch {
	case w.Buckets < 1 || h < 1 || w.MaxSeqLength < 1:
		return nil, fmt.Errorf("encoder %s: non-positive dimensions", name)
	case len(w.Bias) != h:
		return nil, fmt.Errorf("encoder %s: bias has %d entries, want %d", name, len(w.Bias), h)
	}
	tok, err := dense("token_embeddings", w.Token, w.Buckets, h)
	if err != nil {
		return nil, err
	}
	pos, err := dense("position_embeddings", w.Position, w.MaxSeqLength, h)
	if err != nil {
		return nil, err
	}
	seg, err := dense("segment_embeddings", w.Segment, 2, h)
	if err != nil {
		return nil, err
	}
	mix, err := dense("mix", w.Mix, h, h)
	if err != nil {
		return nil, err
	}
	return &Pretrained{
		name:    name,
		buckets: w.Buckets,
		hidden:  h,
		maxSeq:  w.MaxSeqLength,
		tok:     tok,
		pos:     pos,
		seg:     seg,
		mix:     mix,
		bias:    mat.NewVecDense(h, append([]float64(nil), w.Bias...)),
	}, nil
}

// Open loads <dir>/encoder.json. A missing file is an error unless
// allowSeeded is set, in which case a seeded encoder stands in.
func Open(dir string, buckets, hidden, maxSeq int, seed int64, allowSeeded bool, log *logger.Logger) (*Pretrained, error) {
	if log == nil {
		log = logger.Discard()
	}
	name := filepath.Base(filepath.Clean(dir))
	raw, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if errors.Is(err, fs.ErrNotExist) && allowSeeded {
		log.Warnf("No %s under %s, using seeded encoder (seed %d)", WeightsFile, dir, seed)
		return NewPretrained(name, buckets, hidden, maxSeq, seed), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no %s under %s, set allow_seeded_weights to start from seed: %w", WeightsFile, dir, err)
	}
	if err != nil {
		return nil, fmt.Errorf("reading encoder weights: %w", err)
	}
	var w Weights
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decoding encoder weights: %w", err)
	}
	enc, err := FromWeights(name, w)
	if err != nil {
		return nil, err
	}
	if enc.hidden != hidden {
		return nil, fmt.Errorf("encoder %s: hidden size %d, aggregator expects %d", name, enc.hidden, hidden)
	}
	log.Infof("Loaded encoder %s (hidden %d, max seq %d)", name, enc.hidden, enc.maxSeq)
	return enc, nil
}

// Save writes the encoder to <dir>/encoder.json.
func (e *Pretrained) Save(dir string) error {
	e.refresh()
	w := Weights{
		Buckets:      e.buckets,
		HiddenSize:   e.hidden,
		MaxSeqLength: e.maxSeq,
		Token:        rows(e.tok),
		Position:     rows(e.pos),
		Segment:      rows(e.seg),
		Mix:          rows(e.mix),
		Bias:         append([]float64(nil), e.bias.RawVector().Data...),
	}
	return fsutil.WriteJSONAtomic(filepath.Join(dir, WeightsFile), w)
}

// SetTrainable exposes the mixing layer to the optimizer.
func (e *Pretrained) SetTrainable(trainable bool) {
	e.trainable = trainable
	if !trainable || e.mixT != nil {
		return
	}
	zero := func() float64 { return 0 }
	e.mixT = nn.NewTensor("encoder.mix.weight", e.hidden, e.hidden, zero)
	e.biasT = nn.NewTensor("encoder.mix.bias", 1, e.hidden, zero)
	for out := 0; out < e.hidden; out++ {
		for in := 0; in < e.hidden; in++ {
			e.mixT.Rows[out][in].Data = e.mix.At(in, out)
		}
		e.biasT.Rows[0][out].Data = e.bias.AtVec(out)
	}
}

func (e *Pretrained) Name() string    { return e.name }
func (e *Pretrained) Trainable() bool { return e.trainable }

// HiddenSize is the width of every hidden state row.
func (e *Pretrained) HiddenSize() int { return e.hidden }

// Parameters returns the mixing layer when trainable.
func (e *Pretrained) Parameters() []*nn.Tensor {
	if !e.trainable {
		return nil
	}
	return []*nn.Tensor{e.mixT, e.biasT}
}

// Encode returns one hidden row per position of p.
func (e *Pretrained) Encode(ctx context.Context, p entities.Paragraph) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.refresh()
	x, mean, err := e.embed(p)
	if err != nil {
		return nil, err
	}
	n := p.Len()
	for i := 0; i < n; i++ {
		if p.InputMask[i] != 0 {
			row := x.RawRowView(i)
			for j := range row {
				row[j] += mean[j]
			}
		}
	}
	var h mat.Dense
	h.Mul(x, e.mix)
	h.Apply(func(i, j int, v float64) float64 {
		if p.InputMask[i] == 0 {
			return 0
		}
		return math.Tanh(v + e.bias.AtVec(j))
	}, &h)
	return rows(&h), nil
}

// EncodeTracked returns the token-0 hidden state as graph nodes over the
// mixing layer, matching what Ensemble pools from Encode.
func (e *Pretrained) EncodeTracked(ctx context.Context, p entities.Paragraph) ([]*nn.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.trainable {
		return nil, fmt.Errorf("encoder %s is frozen", e.name)
	}
	x, mean, err := e.embed(p)
	if err != nil {
		return nil, err
	}
	if p.InputMask[0] == 0 {
		return nn.Constants(make([]float64, e.hidden)), nil
	}
	in := make([]float64, e.hidden)
	for j := range in {
		in[j] = x.At(0, j) + mean[j]
	}
	xs := nn.Constants(in)
	out := make([]*nn.Value, e.hidden)
	for j := range out {
		out[j] = nn.Tanh(nn.Add(nn.Dot(e.mixT.Rows[j], xs), e.biasT.Rows[0][j]))
	}
	return out, nil
}

// embed sums the input embeddings of p and returns them with their mean
// over real tokens.
func (e *Pretrained) embed(p entities.Paragraph) (*mat.Dense, []float64, error) {
	n := p.Len()
	switch {
	case n == 0:
		return nil, nil, errors.New("empty paragraph")
	case n > e.maxSeq:
		return nil, nil, fmt.Errorf("paragraph length %d exceeds encoder max %d", n, e.maxSeq)
	case len(p.InputMask) != n || len(p.SegmentIDs) != n:
		return nil, nil, fmt.Errorf("paragraph sequences differ in length: %d/%d/%d", n, len(p.InputMask), len(p.SegmentIDs))
	}
	x := mat.NewDense(n, e.hidden, nil)
	mean := make([]float64, e.hidden)
	real := 0
	for i := 0; i < n; i++ {
		if p.InputMask[i] == 0 {
			continue
		}
		real++
		tok := e.tok.RawRowView(bucket(p.InputIDs[i], e.buckets))
		pos := e.pos.RawRowView(i)
		seg := e.seg.RawRowView(bucket(p.SegmentIDs[i], 2))
		row := x.RawRowView(i)
		for j := range row {
			row[j] = tok[j] + pos[j] + seg[j]
			mean[j] += row[j]
		}
	}
	if real == 0 {
		return nil, nil, errors.New("paragraph has no real tokens")
	}
	for j := range mean {
		mean[j] /= float64(real)
	}
	return x, mean, nil
}

// refresh copies trained mixing weights back into the dense matrices.
func (e *Pretrained) refresh() {
	if !e.trainable {
		return
	}
	for out := 0; out < e.hidden; out++ {
		for in := 0; in < e.hidden; in++ {
			e.mix.Set(in, out, e.mixT.Rows[out][in].Data)
		}
		e.bias.SetVec(out, e.biasT.Rows[0][out].Data)
	}
}

// Checksum fingerprints every weight.
func (e *Pretrained) Checksum() string {
	e.refresh()
	return checksum(e.tok, e.pos, e.seg, e.mix, e.bias)
}

func bucket(id int64, n int) int {
	b := int(id % int64(n))
	if b < 0 {
		b += n
	}
	return b
}

func dense(name string, data [][]float64, r, c int) (*mat.Dense, error) {
	if len(data) != r {
		return nil, fmt.Errorf("%s: %d rows, want %d", name, len(data), r)
	}
	flat := make([]float64, 0, r*c)
	for i, row := range data {
		if len(row) != c {
			return nil, fmt.Errorf("%s row %d: %d columns, want %d", name, i, len(row), c)
		}
		flat = append(flat, row...)
	}
	return mat.NewDense(r, c, flat), nil
}

func rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		mat.Row(out[i], i, m)
	}
	return out
}

func checksum(ms ...mat.Matrix) string {
	h := sha256.New()
	var buf [8]byte
	for _, m := range ms {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(m.At(i, j)))
				h.Write(buf[:])
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
