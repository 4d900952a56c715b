package intake

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// previewStoreContract runs the behavior every PreviewStore must share.
func previewStoreContract(t *testing.T, store PreviewStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		sess := &PreviewSession{ID: uuid.New().String(), FileName: "a.csv"}
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if sess.ExpiresAt.Before(sess.CreatedAt) || sess.CreatedAt.IsZero() {
			t.Errorf("expected timestamps to be set, got %s..%s", sess.CreatedAt, sess.ExpiresAt)
		}
		got, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.FileName != "a.csv" {
			t.Errorf("expected a.csv, got %s", got.FileName)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		sess := &PreviewSession{ID: uuid.New().String()}
		store.Create(ctx, sess)
		if err := store.Create(ctx, &PreviewSession{ID: sess.ID}); err == nil {
			t.Error("expected duplicate create to fail")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
		if _, err := store.Consume(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("consume once", func(t *testing.T) {
		sess := &PreviewSession{ID: uuid.New().String(), FileName: "b.csv"}
		store.Create(ctx, sess)

		got, err := store.Consume(ctx, sess.ID)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if got.FileName != "b.csv" {
			t.Errorf("expected consumed session content, got %+v", got)
		}
		if _, err := store.Consume(ctx, sess.ID); !errors.Is(err, ErrSessionConsumed) {
			t.Errorf("expected ErrSessionConsumed, got %v", err)
		}
		if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrSessionConsumed) {
			t.Errorf("expected Get to report consumed, got %v", err)
		}
	})

	t.Run("concurrent consume", func(t *testing.T) {
		sess := &PreviewSession{ID: uuid.New().String()}
		store.Create(ctx, sess)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.Consume(ctx, sess.ID); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one successful consume, got %d", wins)
		}
	})
}

// =========== Memory Preview Store Tests ===========

func TestMemoryPreviewStore(t *testing.T) {
	previewStoreContract(t, NewMemoryPreviewStore(time.Hour))
}

func TestMemoryPreviewStore_Expiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryPreviewStore(time.Hour)
	store.SetClock(clock.Now)
	ctx := context.Background()

	sess := &PreviewSession{ID: "s1"}
	store.Create(ctx, sess)
	if !sess.CreatedAt.Equal(clock.Now()) || sess.ExpiresAt.Sub(sess.CreatedAt) != time.Hour {
		t.Errorf("unexpected timestamps %s..%s", sess.CreatedAt, sess.ExpiresAt)
	}

	clock.Advance(59 * time.Minute)
	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Errorf("expected session alive before expiry, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected expired session to be not found, got %v", err)
	}
	if _, err := store.Consume(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected expired session to be unconsumable, got %v", err)
	}
}

func TestMemoryPreviewStore_TombstoneExpires(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryPreviewStore(time.Hour)
	store.SetClock(clock.Now)
	ctx := context.Background()

	store.Create(ctx, &PreviewSession{ID: "s1"})
	store.Consume(ctx, "s1")
	if store.Len() != 1 {
		t.Errorf("expected tombstone to be kept, got %d entries", store.Len())
	}

	clock.Advance(2 * time.Hour)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected expired tombstone to read as missing, got %v", err)
	}
}

// =========== Valkey Preview Store Tests ===========

func TestValkeyPreviewStore(t *testing.T) {
	url := os.Getenv("VALKEY_TEST_URL")
	if url == "" {
		t.Skip("set VALKEY_TEST_URL to run Valkey tests")
	}
	client, err := NewValkeyClient(url)
	if err != nil {
		t.Fatalf("NewValkeyClient: %v", err)
	}
	t.Cleanup(client.Close)

	store := NewValkeyPreviewStore(client, time.Minute)
	store.prefix = "intake-test:" + uuid.New().String() + ":"
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	previewStoreContract(t, store)
}
