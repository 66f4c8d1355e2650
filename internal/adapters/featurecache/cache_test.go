package featurecache

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
)

var key = Key{
	Split:        "train",
	Encoder:      "finbert",
	MaxSeqLength: 512,
	Task:         "sec",
	LabelVariant: "percentage_change",
	TextType:     "mda_paragraphs",
}

func docs() []entities.Document {
	p := entities.Sentinel(3)
	p.InputIDs[0], p.InputMask[0] = 101, 1
	return []entities.Document{{ID: "a", Paragraphs: []entities.Paragraph{p}, Features: []float64{1}, Label: 0.5}}
}

func counting(n *int32) BuildFunc {
	return func(ctx context.Context) ([]entities.Document, error) {
		atomic.AddInt32(n, 1)
		return docs(), nil
	}
}

type recordingBarrier struct {
	waited []string
	err    error
}

func (b *recordingBarrier) Wait(_ context.Context, path string) error {
	b.waited = append(b.waited, path)
	return b.err
}

func TestKey_FileName(t *testing.T) {
	assert.Equal(t, "cached_train_finbert_512_sec_percentage_change_mda_paragraphs", key.FileName())
}

func TestCache_BuildsOnceThenLoads(t *testing.T) {
	dir := t.TempDir()
	var builds int32

	first, err := New(dir, true, false, nil, nil).Load(context.Background(), key, false, counting(&builds))
	require.NoError(t, err)
	assert.FileExists(t, New(dir, true, false, nil, nil).Path(key))

	second, err := New(dir, true, false, nil, nil).Load(context.Background(), key, false, counting(&builds))
	require.NoError(t, err)
	assert.Equal(t, int32(1), builds)
	assert.Equal(t, first, second)
}

func TestCache_OverwriteRebuilds(t *testing.T) {
	dir := t.TempDir()
	var builds int32
	_, err := New(dir, true, false, nil, nil).Load(context.Background(), key, false, counting(&builds))
	require.NoError(t, err)
	_, err = New(dir, true, true, nil, nil).Load(context.Background(), key, false, counting(&builds))
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds)
}

func TestCache_SecondaryRankWaitsAndNeverWrites(t *testing.T) {
	dir := t.TempDir()
	barrier := &recordingBarrier{}
	var builds int32
	c := New(dir, false, false, barrier, nil)

	_, err := c.Load(context.Background(), key, false, counting(&builds))
	require.NoError(t, err)
	assert.Equal(t, []string{c.Path(key)}, barrier.waited)
	assert.NoFileExists(t, c.Path(key))

	// Evaluation splits are not coordinated.
	_, err = c.Load(context.Background(), Key{Split: "dev"}, true, counting(&builds))
	require.NoError(t, err)
	assert.Len(t, barrier.waited, 1)
}

func TestCache_BarrierFailure(t *testing.T) {
	barrier := &recordingBarrier{err: context.DeadlineExceeded}
	_, err := New(t.TempDir(), false, false, barrier, nil).Load(context.Background(), key, false, counting(new(int32)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_UnreadableCacheIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, true, false, nil, nil)
	require.NoError(t, os.WriteFile(c.Path(key), []byte("{"), 0644))

	var builds int32
	got, err := c.Load(context.Background(), key, false, counting(&builds))
	require.NoError(t, err)
	assert.Equal(t, int32(1), builds)
	assert.Equal(t, docs(), got)
}

func TestCache_BuildError(t *testing.T) {
	boom := errors.New("bad split")
	_, err := New(t.TempDir(), true, false, nil, nil).Load(context.Background(), key, false,
		func(context.Context) ([]entities.Document, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestCache_ConcurrentLoadsShareBuild(t *testing.T) {
	c := New(t.TempDir(), true, true, nil, nil)
	release := make(chan struct{})
	var builds int32
	build := func(ctx context.Context) ([]entities.Document, error) {
		atomic.AddInt32(&builds, 1)
		<-release
		return docs(), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Load(context.Background(), key, false, build)
			assert.NoError(t, err)
		}()
	}
	// Let the goroutines pile up on the in-flight build.
	for atomic.LoadInt32(&builds) == 0 {
		runtime.Gosched()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&builds), int32(4))
}
