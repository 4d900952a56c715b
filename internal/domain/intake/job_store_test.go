package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryJobStore_SnapshotsAreIsolated(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	job := &UploadJob{ID: "j1", Status: JobProcessing, TotalSelected: 2}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	job.Status = "tampered"

	snap, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Status != JobProcessing {
		t.Errorf("expected stored copy to be unaffected, got %s", snap.Status)
	}
	snap.Results = append(snap.Results, JobResult{Index: 9})

	again, _ := store.Get(ctx, "j1")
	if len(again.Results) != 0 {
		t.Errorf("expected snapshot changes not to leak, got %d results", len(again.Results))
	}
}

func TestMemoryJobStore_Update(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	store.Create(ctx, &UploadJob{ID: "j1", Status: JobProcessing, TotalSelected: 1})

	err := store.Update(ctx, "j1", func(j *UploadJob) error { return j.AddResult(JobResult{Index: 0, Status: ResultSent}) })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	err = store.Update(ctx, "j1", func(j *UploadJob) error { return j.AddResult(JobResult{Index: 1}) })
	if err == nil {
		t.Error("expected error when exceeding the selection")
	}
	if err := store.Update(ctx, "missing", func(*UploadJob) error { return nil }); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.Create(ctx, &UploadJob{ID: "j1"}); err == nil {
		t.Error("expected duplicate create to fail")
	}
}

func TestMemoryJobStore_ConcurrentReadsDuringUpdates(t *testing.T) {
	store := NewMemoryJobStore(time.Hour)
	ctx := context.Background()
	const n = 200
	store.Create(ctx, &UploadJob{ID: "j1", Status: JobProcessing, TotalSelected: n})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			store.Update(ctx, "j1", func(j *UploadJob) error { return j.AddResult(JobResult{Index: i}) })
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if snap, err := store.Get(ctx, "j1"); err == nil && len(snap.Results) > n {
				t.Errorf("impossible result count %d", len(snap.Results))
			}
		}
	}()
	wg.Wait()

	final, _ := store.Get(ctx, "j1")
	if len(final.Results) != n {
		t.Errorf("expected %d results, got %d", n, len(final.Results))
	}
}

func TestMemoryJobStore_EvictionHook(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryJobStore(time.Hour)
	store.SetClock(clock.Now)

	evicted := make(chan string, 1)
	store.OnEvict(func(id string) { evicted <- id })
	store.Create(context.Background(), &UploadJob{ID: "j1"})

	clock.Advance(2 * time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx, 10*time.Millisecond)

	select {
	case id := <-evicted:
		if id != "j1" {
			t.Errorf("expected j1 evicted, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected eviction")
	}
	if store.Len() != 0 {
		t.Errorf("expected empty store, got %d", store.Len())
	}
}
