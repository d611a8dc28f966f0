package reporting

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo keeps call records in process, ordered by creation time.
type MemoryRepo struct {
	mu    sync.Mutex
	calls []CallRecord
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) AppendCall(_ context.Context, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.calls), func(i int) bool { return r.calls[i].CreatedAt.After(rec.CreatedAt) })
	r.calls = append(r.calls, CallRecord{})
	copy(r.calls[i+1:], r.calls[i:])
	r.calls[i] = rec
	return nil
}

func (r *MemoryRepo) ListCalls(_ context.Context, from, to time.Time, configID string) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, c := range r.calls {
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		if configID != "" && c.ConfigID != configID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
