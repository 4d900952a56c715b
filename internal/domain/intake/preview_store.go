package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/intake/internal/platform/ttlmap"
)

// PreviewStore keeps preview sessions until they expire or are confirmed.
type PreviewStore interface {
	// Create stores s and sets its CreatedAt and ExpiresAt.
	Create(ctx context.Context, s *PreviewSession) error
	Get(ctx context.Context, id string) (*PreviewSession, error)
	// Consume returns the session and marks it used. A second Consume
	// returns ErrSessionConsumed.
	Consume(ctx context.Context, id string) (*PreviewSession, error)
}

type previewEntry struct {
	session  *PreviewSession
	consumed bool
}

// MemoryPreviewStore is a PreviewStore on a sharded TTL map. Consumed
// sessions stay as tombstones until they expire so a repeated confirm is
// reported as consumed rather than missing.
type MemoryPreviewStore struct {
	m *ttlmap.Map[previewEntry]
}

// NewMemoryPreviewStore creates a store whose sessions live for ttl.
func NewMemoryPreviewStore(ttl time.Duration) *MemoryPreviewStore {
	return &MemoryPreviewStore{m: ttlmap.New[previewEntry](ttl)}
}

// SetClock replaces the time source. Intended for tests.
func (s *MemoryPreviewStore) SetClock(now func() time.Time) {
	s.m.SetClock(now)
}

func (s *MemoryPreviewStore) Create(_ context.Context, sess *PreviewSession) error {
	if sess.ID == "" {
		return fmt.Errorf("create preview session: empty id")
	}
	if _, _, ok := s.m.Get(sess.ID); ok {
		return fmt.Errorf("create preview session %s: duplicate id", sess.ID)
	}
	sess.ExpiresAt = s.m.Set(sess.ID, previewEntry{session: sess})
	sess.CreatedAt = sess.ExpiresAt.Add(-s.m.TTL())
	return nil
}

func (s *MemoryPreviewStore) Get(_ context.Context, id string) (*PreviewSession, error) {
	e, _, ok := s.m.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if e.consumed {
		return nil, ErrSessionConsumed
	}
	return e.session, nil
}

func (s *MemoryPreviewStore) Consume(_ context.Context, id string) (*PreviewSession, error) {
	var out *PreviewSession
	err := s.m.Mutate(id, func(e *previewEntry, exists bool) error {
		if !exists {
			return ErrSessionNotFound
		}
		if e.consumed {
			return ErrSessionConsumed
		}
		e.consumed = true
		out = e.session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored sessions including tombstones.
func (s *MemoryPreviewStore) Len() int {
	return s.m.Len()
}

// Run evicts expired sessions every interval until ctx is cancelled.
func (s *MemoryPreviewStore) Run(ctx context.Context, interval time.Duration) error {
	return s.m.Run(ctx, interval)
}
