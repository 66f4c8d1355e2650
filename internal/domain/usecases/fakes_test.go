package usecases

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/nn"
)

// mockEncoder implements ports.Encoder. Hidden row 0 is (first token/10, real tokens/10).
type mockEncoder struct {
	calls     int
	trainable bool
	err       error
}

func (m *mockEncoder) Name() string    { return "mock-encoder" }
func (m *mockEncoder) Trainable() bool { return m.trainable }

func (m *mockEncoder) Encode(_ context.Context, p entities.Paragraph) ([][]float64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	real := 0
	for _, v := range p.InputMask {
		if v != 0 {
			real++
		}
	}
	return [][]float64{
		{float64(p.InputIDs[0]) / 10, float64(real) / 10},
		{0, 0},
	}, nil
}

// mockPooler implements ports.Pooler by taking row 0.
type mockPooler struct{}

func (mockPooler) Name() string    { return "mock-pooler" }
func (mockPooler) Trainable() bool { return false }

func (mockPooler) Pool(hidden [][]float64) (entities.Embedding, error) {
	if len(hidden) == 0 {
		return nil, errors.New("no hidden states")
	}
	return append(entities.Embedding(nil), hidden[0]...), nil
}

// meanAggregator implements ports.SequenceAggregator: dropout(mean over time) -> linear.
type meanAggregator struct {
	lin      *nn.Linear
	drop     nn.Dropout
	rng      *rand.Rand
	training bool
	forwards int
}

func newMeanAggregator(seed int64, dropout float64) *meanAggregator {
	return &meanAggregator{
		lin:  nn.NewLinear("linear_layers.1", 2, 1, rand.New(rand.NewSource(seed))),
		drop: nn.Dropout{P: dropout},
		rng:  rand.New(rand.NewSource(0)),
	}
}

func (a *meanAggregator) Name() string              { return "mean-aggregator" }
func (a *meanAggregator) Trainable() bool           { return true }
func (a *meanAggregator) Parameters() []*nn.Tensor  { return a.lin.Parameters() }
func (a *meanAggregator) SetTraining(training bool) { a.training = training }
func (a *meanAggregator) Reseed(seed int64)         { a.rng = rand.New(rand.NewSource(seed)) }
func (a *meanAggregator) StateDict() nn.StateDict   { return nn.ExportState(a.Parameters()) }

func (a *meanAggregator) LoadStateDict(sd nn.StateDict) error {
	return nn.ImportState(a.Parameters(), sd)
}

func (a *meanAggregator) Forward(seq [][]*nn.Value) (*nn.Value, error) {
	a.forwards++
	if len(seq) == 0 {
		return nil, errors.New("empty sequence")
	}
	dims := len(seq[0])
	mean := make([]*nn.Value, dims)
	for j := 0; j < dims; j++ {
		col := make([]*nn.Value, len(seq))
		for t := range seq {
			col[t] = seq[t][j]
		}
		mean[j] = nn.Scale(nn.Sum(col), 1/float64(len(seq)))
	}
	x := a.drop.Forward(mean, a.training, a.rng)
	return a.lin.Forward(x)[0], nil
}

// mockAuxiliary implements ports.AuxiliaryRegressor with a fixed loss.
type mockAuxiliary struct {
	loss  float64
	calls int
}

func (m *mockAuxiliary) Name() string    { return "mock-kpi" }
func (m *mockAuxiliary) Trainable() bool { return false }

func (m *mockAuxiliary) ScoreBatch(_ context.Context, features [][]float64, labels []float64) (float64, []float64, error) {
	m.calls++
	return m.loss, make([]float64, len(labels)), nil
}

// memoryCheckpoints implements ports.CheckpointStore in memory.
type memoryCheckpoints struct {
	mu         sync.Mutex
	saved      map[int]entities.Checkpoint
	latest     int
	hasLatest  bool
	saves      []int
	failSaveAt int // epoch at which Save fails; <0 disables
	restoreErr error
	evictErr   error
	evictCalls int
}

func newMemoryCheckpoints() *memoryCheckpoints {
	return &memoryCheckpoints{saved: map[int]entities.Checkpoint{}, failSaveAt: -1}
}

func (m *memoryCheckpoints) Save(_ context.Context, ckpt entities.Checkpoint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveAt >= 0 && ckpt.Epoch >= m.failSaveAt {
		return "", errors.New("disk full")
	}
	m.saved[ckpt.Epoch] = ckpt
	m.latest, m.hasLatest = ckpt.GlobalStep, true
	m.saves = append(m.saves, ckpt.Epoch)
	return fmt.Sprintf("checkpoint-%d", ckpt.Epoch), nil
}

func (m *memoryCheckpoints) Restore(_ context.Context, stepsPerEpoch int) (entities.Checkpoint, entities.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return entities.Checkpoint{}, entities.Progress{}, m.restoreErr
	}
	if !m.hasLatest {
		return entities.Checkpoint{}, entities.Progress{}, entities.ErrCheckpointNotFound
	}
	progress, epoch, err := entities.ResumeProgress(m.latest, stepsPerEpoch)
	if err != nil {
		return entities.Checkpoint{}, entities.Progress{}, err
	}
	ckpt, ok := m.saved[epoch]
	if !ok {
		return entities.Checkpoint{}, entities.Progress{}, fmt.Errorf("%w: checkpoint-%d missing", entities.ErrCheckpointCorrupt, epoch)
	}
	return ckpt, progress, nil
}

func (m *memoryCheckpoints) Evict(_ context.Context, epoch, saveInterval, retain int) error {
	m.evictCalls++
	return m.evictErr
}

// recordingScalars implements ports.ScalarSink.
type recordingScalars struct {
	values map[string][]float64
	purged []int
}

func (r *recordingScalars) AddScalar(_ context.Context, tag string, value float64, step int) error {
	if r.values == nil {
		r.values = map[string][]float64{}
	}
	r.values[tag] = append(r.values[tag], value)
	return nil
}

func (r *recordingScalars) Purge(_ context.Context, fromStep int) error {
	r.purged = append(r.purged, fromStep)
	return nil
}

// recordingReports implements ports.ReportWriter.
type recordingReports struct {
	results []map[string]float64
}

func (r *recordingReports) WriteResults(_ context.Context, results map[string]float64) error {
	r.results = append(r.results, results)
	return nil
}

func paragraph(id int64, real int) entities.Paragraph {
	p := entities.Sentinel(4)
	for i := 0; i < real && i < 4; i++ {
		p.InputIDs[i] = id + int64(i)
		p.InputMask[i] = 1
	}
	return p
}

func document(label float64, ids ...int64) entities.Document {
	d := entities.Document{Label: label, Features: []float64{label, 1}}
	for i, id := range ids {
		d.Paragraphs = append(d.Paragraphs, paragraph(id, 1+i%3))
	}
	return d
}

func corpus(n int) []entities.Document {
	docs := make([]entities.Document, n)
	for i := range docs {
		ids := make([]int64, 1+i%3)
		for j := range ids {
			ids[j] = int64(1 + i + j)
		}
		docs[i] = document(float64(i%5)/5, ids...)
	}
	return docs
}
