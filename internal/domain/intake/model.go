package intake

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/hl7v2"
)

var (
	ErrSessionNotFound  = errors.New("preview session not found or expired")
	ErrSessionConsumed  = errors.New("preview session already consumed")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobTerminal      = errors.New("job already finished")
	ErrInvalidSelection = errors.New("invalid record selection")
	ErrInvalidTrigger   = errors.New("invalid trigger event")
)

// PreviewSession holds a parsed and validated upload awaiting confirmation.
type PreviewSession struct {
	ID            string                  `json:"sessionId"`
	FileName      string                  `json:"fileName"`
	Records       []*roster.PatientRecord `json:"records"`
	ColumnMapping roster.ColumnMapping    `json:"columnMapping"`
	CreatedAt     time.Time               `json:"createdAt"`
	ExpiresAt     time.Time               `json:"expiresAt"`
}

// Counts returns the number of valid and invalid records.
func (s *PreviewSession) Counts() (valid, invalid int) {
	return roster.Summary(s.Records)
}

// Job statuses.
const (
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Result statuses.
const (
	ResultSent      = "sent"
	ResultFailed    = "failed"
	ResultGenerated = "generated"
)

// JobResult is the outcome for one selected record.
type JobResult struct {
	Index       int    `json:"index"`
	PatientUUID string `json:"patientUuid"`
	MRN         string `json:"mrn"`
	Status      string `json:"status"`
	Outcome     string `json:"outcome,omitempty"`
	Message     string `json:"message,omitempty"`
	Ack         string `json:"ack,omitempty"`
	Error       string `json:"error,omitempty"`
	Hint        string `json:"hint,omitempty"`
	ControlID   string `json:"controlId,omitempty"`
	Attempts    int    `json:"attempts"`
}

// Succeeded reports whether the record reached a positive terminal state.
func (r JobResult) Succeeded() bool {
	return r.Status == ResultSent || r.Status == ResultGenerated
}

// UploadJob tracks one confirmed batch.
type UploadJob struct {
	ID            string             `json:"jobId"`
	SessionID     string             `json:"sessionId"`
	FileName      string             `json:"fileName"`
	Status        string             `json:"status"`
	TriggerEvent  hl7v2.TriggerEvent `json:"triggerEvent"`
	SendEnabled   bool               `json:"sendEnabled"`
	TotalSelected int                `json:"totalSelected"`
	Results       []JobResult        `json:"results"`
	CreatedAt     time.Time          `json:"createdAt"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (j *UploadJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// AddResult appends a record outcome.
func (j *UploadJob) AddResult(r JobResult) error {
	if j.Terminal() {
		return fmt.Errorf("add result to job %s: %w", j.ID, ErrJobTerminal)
	}
	if len(j.Results) >= j.TotalSelected {
		return fmt.Errorf("job %s already has %d results", j.ID, j.TotalSelected)
	}
	j.Results = append(j.Results, r)
	return nil
}

// Finish moves the job to a terminal status.
func (j *UploadJob) Finish(status, reason string, at time.Time) error {
	if j.Terminal() {
		return fmt.Errorf("finish job %s: %w", j.ID, ErrJobTerminal)
	}
	if status != JobCompleted && status != JobFailed {
		return fmt.Errorf("finish job %s: invalid status %q", j.ID, status)
	}
	j.Status = status
	j.Error = reason
	j.CompletedAt = &at
	return nil
}

// Tally counts succeeded and failed results.
func (j *UploadJob) Tally() (succeeded, failed int) {
	for _, r := range j.Results {
		if r.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Clone returns a copy that shares nothing mutable with j.
func (j *UploadJob) Clone() *UploadJob {
	c := *j
	c.Results = slices.Clone(j.Results)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
