package scalardb

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps scalars in process. Non-main ranks use it so nothing
// touches the shared ledger file.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string][]Scalar
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string][]Scalar)}
}

func (s *MemoryStore) AddScalar(ctx context.Context, tag string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[tag] = append(s.points[tag], Scalar{Step: step, Value: value})
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, fromStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, pts := range s.points {
		kept := pts[:0]
		for _, p := range pts {
			if p.Step < fromStep {
				kept = append(kept, p)
			}
		}
		s.points[tag] = kept
	}
	return nil
}

func (s *MemoryStore) Scalars(ctx context.Context, tag string) ([]Scalar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Scalar(nil), s.points[tag]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
