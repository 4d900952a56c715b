package intake

import (
	"errors"
	"testing"
	"time"
)

func TestUploadJob_Lifecycle(t *testing.T) {
	j := &UploadJob{ID: "j1", Status: JobProcessing, TotalSelected: 2}

	if err := j.AddResult(JobResult{Index: 0, Status: ResultSent}); err != nil {
		t.Fatalf("AddResult: %v", err)
	}
	if err := j.AddResult(JobResult{Index: 1, Status: ResultFailed}); err != nil {
		t.Fatalf("AddResult: %v", err)
	}
	if err := j.AddResult(JobResult{Index: 2}); err == nil {
		t.Error("expected error beyond TotalSelected")
	}

	if err := j.Finish("paused", "", time.Now()); err == nil {
		t.Error("expected invalid terminal status to be refused")
	}
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := j.Finish(JobCompleted, "", at); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !j.Terminal() || !j.CompletedAt.Equal(at) {
		t.Errorf("expected terminal job completed at %s, got %+v", at, j)
	}
	if err := j.Finish(JobFailed, "late", at); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("expected ErrJobTerminal, got %v", err)
	}
	if err := j.AddResult(JobResult{}); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("expected ErrJobTerminal, got %v", err)
	}

	succeeded, failed := j.Tally()
	if succeeded != 1 || failed != 1 {
		t.Errorf("expected 1/1, got %d/%d", succeeded, failed)
	}
}

func TestJobResult_Succeeded(t *testing.T) {
	for status, want := range map[string]bool{ResultSent: true, ResultGenerated: true, ResultFailed: false} {
		if got := (JobResult{Status: status}).Succeeded(); got != want {
			t.Errorf("%s: expected %v, got %v", status, want, got)
		}
	}
}

func TestUploadJob_Clone(t *testing.T) {
	at := time.Now()
	j := &UploadJob{ID: "j1", Results: []JobResult{{Index: 0}}, CompletedAt: &at}
	c := j.Clone()
	c.Results[0].Index = 5
	*c.CompletedAt = at.Add(time.Hour)
	if j.Results[0].Index != 0 || !j.CompletedAt.Equal(at) {
		t.Error("expected clone to share nothing mutable")
	}
}
