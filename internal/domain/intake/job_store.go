package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/intake/internal/platform/ttlmap"
)

// JobStore holds upload jobs. Get returns a snapshot the caller owns; all
// changes go through Update.
type JobStore interface {
	Create(ctx context.Context, j *UploadJob) error
	Get(ctx context.Context, id string) (*UploadJob, error)
	Update(ctx context.Context, id string, fn func(*UploadJob) error) error
}

// JobArchive persists finished jobs beyond the in-memory lifetime.
type JobArchive interface {
	Save(ctx context.Context, j *UploadJob) error
	Get(ctx context.Context, id string) (*UploadJob, error)
}

// MemoryJobStore is a JobStore on a sharded TTL map.
type MemoryJobStore struct {
	m *ttlmap.Map[*UploadJob]
}

// NewMemoryJobStore creates a store whose jobs live for ttl.
func NewMemoryJobStore(ttl time.Duration) *MemoryJobStore {
	return &MemoryJobStore{m: ttlmap.New[*UploadJob](ttl)}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryJobStore) SetClock(now func() time.Time) {
	s.m.SetClock(now)
}

// OnEvict registers a hook run for each job removed by the sweep.
func (s *MemoryJobStore) OnEvict(fn func(id string)) {
	s.m.OnEvict(func(key string, _ *UploadJob) { fn(key) })
}

func (s *MemoryJobStore) Create(_ context.Context, j *UploadJob) error {
	if j.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	if _, _, ok := s.m.Get(j.ID); ok {
		return fmt.Errorf("create job %s: duplicate id", j.ID)
	}
	s.m.Set(j.ID, j.Clone())
	return nil
}

// Get clones under the shard lock so the snapshot never races with Update.
func (s *MemoryJobStore) Get(_ context.Context, id string) (*UploadJob, error) {
	var out *UploadJob
	err := s.m.Mutate(id, func(j **UploadJob, exists bool) error {
		if !exists {
			return ErrJobNotFound
		}
		out = (*j).Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies fn to the stored job in place under the shard lock. fn must
// leave the job unchanged when it returns an error.
func (s *MemoryJobStore) Update(_ context.Context, id string, fn func(*UploadJob) error) error {
	return s.m.Mutate(id, func(j **UploadJob, exists bool) error {
		if !exists {
			return ErrJobNotFound
		}
		return fn(*j)
	})
}

// Len returns the number of stored jobs.
func (s *MemoryJobStore) Len() int {
	return s.m.Len()
}

// Run evicts expired jobs every interval until ctx is cancelled.
func (s *MemoryJobStore) Run(ctx context.Context, interval time.Duration) error {
	return s.m.Run(ctx, interval)
}
