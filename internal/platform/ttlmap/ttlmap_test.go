package ttlmap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMap(ttl time.Duration) (*Map[string], *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New[string](ttl)
	m.SetClock(clock.Now)
	return m, clock
}

func TestSetGet(t *testing.T) {
	m, clock := newTestMap(time.Hour)

	exp := m.Set("a", "alpha")
	if !exp.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("unexpected expiry %v", exp)
	}

	v, gotExp, ok := m.Get("a")
	if !ok || v != "alpha" {
		t.Fatalf("expected alpha, got %q ok=%v", v, ok)
	}
	if !gotExp.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, gotExp)
	}
	if _, _, ok := m.Get("missing"); ok {
		t.Error("expected missing key to be absent")
	}
}

func TestGet_ExpiredBeforeSweep(t *testing.T) {
	m, clock := newTestMap(time.Minute)
	m.Set("a", "alpha")

	clock.Advance(time.Minute)
	if _, _, ok := m.Get("a"); ok {
		t.Error("expected expired entry to be hidden")
	}
	if m.Len() != 1 {
		t.Errorf("expected entry to remain until swept, len=%d", m.Len())
	}
}

func TestSweep(t *testing.T) {
	m, clock := newTestMap(time.Minute)

	var mu sync.Mutex
	evicted := map[string]string{}
	m.OnEvict(func(k, v string) {
		mu.Lock()
		evicted[k] = v
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		m.Set(fmt.Sprintf("old-%d", i), "x")
	}
	clock.Advance(30 * time.Second)
	m.Set("young", "y")
	clock.Advance(31 * time.Second)

	if n := m.Sweep(); n != 50 {
		t.Errorf("expected 50 evictions, got %d", n)
	}
	if len(evicted) != 50 {
		t.Errorf("expected evict hook for 50 keys, got %d", len(evicted))
	}
	if _, _, ok := m.Get("young"); !ok {
		t.Error("expected young entry to survive")
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 entry left, got %d", m.Len())
	}
}

func TestMutate(t *testing.T) {
	m, clock := newTestMap(time.Hour)
	exp := m.Set("a", "alpha")

	err := m.Mutate("a", func(v *string, exists bool) error {
		if !exists {
			t.Fatal("expected key to exist")
		}
		*v = "beta"
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, gotExp, _ := m.Get("a")
	if v != "beta" {
		t.Errorf("expected beta, got %q", v)
	}
	if !gotExp.Equal(exp) {
		t.Error("mutate must keep the original expiry")
	}

	sentinel := errors.New("stop")
	err = m.Mutate("a", func(v *string, _ bool) error {
		*v = "gamma"
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
	if v, _, _ := m.Get("a"); v != "beta" {
		t.Errorf("failed mutate must not store, got %q", v)
	}

	clock.Advance(2 * time.Hour)
	m.Mutate("a", func(_ *string, exists bool) error {
		if exists {
			t.Error("expired key must be reported missing")
		}
		return nil
	})
	m.Mutate("never", func(_ *string, exists bool) error {
		if exists {
			t.Error("absent key must be reported missing")
		}
		return nil
	})
	if m.Len() != 1 {
		t.Errorf("mutate on a missing key must not create it, len=%d", m.Len())
	}
}

func TestDelete(t *testing.T) {
	m, _ := newTestMap(time.Hour)
	m.Set("a", "alpha")
	m.Delete("a")
	if _, _, ok := m.Get("a"); ok {
		t.Error("expected deleted key to be absent")
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[int](time.Hour)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", w, i)
				m.Set(key, i)
				m.Get(key)
				m.Mutate(key, func(v *int, _ bool) error { *v++; return nil })
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			m.Sweep()
		}
	}()
	wg.Wait()

	if m.Len() != 8*200 {
		t.Errorf("expected %d entries, got %d", 8*200, m.Len())
	}
	if v, _, _ := m.Get("3-10"); v != 11 {
		t.Errorf("expected 11, got %d", v)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	m := New[string](time.Millisecond)
	m.Set("a", "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Len() != 0 {
		t.Error("expected background sweep to evict the entry")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
