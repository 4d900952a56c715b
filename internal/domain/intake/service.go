package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/hl7v2"
	"github.com/ehr/intake/internal/platform/progress"
)

// Progress steps.
const (
	StepInitialize = "initialize"
	StepBuild      = "build"
	StepSend       = "send"
	StepRecord     = "record"
	StepFinalize   = "finalize"
)

const (
	archiveTimeout    = 10 * time.Second
	perRecordOverhead = 100 * time.Millisecond
)

// Sender transmits one rendered message and classifies the acknowledgment.
type Sender interface {
	Send(ctx context.Context, text string) hl7v2.SendResult
	Probe(ctx context.Context) error
	Addr() string
}

// MessageBuilder renders a patient as an ADT message.
type MessageBuilder interface {
	Build(p hl7v2.ADTPatient, event hl7v2.TriggerEvent, controlID string) (*hl7v2.ADTMessage, error)
}

// Publisher receives job progress events.
type Publisher interface {
	Publish(ctx context.Context, e progress.Event) error
}

// Option configures a Service.
type Option func(*Service)

// WithMapper sets the column mapper chain. Defaults to keyword matching only.
func WithMapper(m *roster.FallbackMapper) Option {
	return func(s *Service) { s.mapper = m }
}

// WithValidator replaces the record validator.
func WithValidator(v *roster.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithArchive persists finished jobs and serves them after they leave the
// job store.
func WithArchive(a JobArchive) Option {
	return func(s *Service) { s.archive = a }
}

// WithReaderOptions bounds and decodes uploads.
func WithReaderOptions(o roster.ReaderOptions) Option {
	return func(s *Service) { s.readerOpts = o }
}

// WithSendDelay sets the minimum spacing between transmissions of one job.
func WithSendDelay(d time.Duration) Option {
	return func(s *Service) { s.sendDelay = d }
}

// WithMaxRetries sets how many extra attempts a timed out or unreachable
// send gets. Rejections are never retried.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// WithDefaultTrigger sets the event used when a confirm names none.
func WithDefaultTrigger(e hl7v2.TriggerEvent) Option {
	return func(s *Service) { s.defaultEvent = e }
}

// WithControlIDs replaces the control id generator.
func WithControlIDs(g *ControlIDs) Option {
	return func(s *Service) { s.ids = g }
}

// WithMetrics records pipeline counters on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs the preview and confirm workflow and processes confirmed
// jobs in the background, one goroutine per job.
type Service struct {
	previews  PreviewStore
	jobs      JobStore
	archive   JobArchive
	mapper    *roster.FallbackMapper
	validator *roster.Validator
	builder   MessageBuilder
	sender    Sender
	publisher Publisher
	ids       *ControlIDs
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time

	readerOpts   roster.ReaderOptions
	sendDelay    time.Duration
	maxRetries   int
	defaultEvent hl7v2.TriggerEvent

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(previews PreviewStore, jobs JobStore, builder MessageBuilder, sender Sender, publisher Publisher, logger zerolog.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		previews:     previews,
		jobs:         jobs,
		builder:      builder,
		sender:       sender,
		publisher:    publisher,
		logger:       logger.With().Str("component", "intake").Logger(),
		now:          time.Now,
		validator:    roster.NewValidator(),
		ids:          NewControlIDs("INTK"),
		defaultEvent: hl7v2.DefaultTriggerEvent,
		baseCtx:      ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mapper == nil {
		s.mapper = roster.NewFallbackMapper(s.logger)
	}
	return s
}

// ---------------------------------------------------------------------------
// Preview
// ---------------------------------------------------------------------------

// PreviewRequest is an uploaded file awaiting mapping and validation.
type PreviewRequest struct {
	FileName        string
	Body            io.Reader
	MappingStrategy string
}

// Preview parses, maps and validates an upload and stores the result as a
// session. Nothing is transmitted.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewSession, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: file name is required", roster.ErrInputInvalid)
	}
	mapper, err := s.mapper.ForStrategy(req.MappingStrategy)
	if err != nil {
		return nil, err
	}

	table, err := roster.ReadTable(req.FileName, req.Body, s.readerOpts)
	if err != nil {
		return nil, err
	}

	mapping, err := mapper.Map(ctx, table.Headers)
	if err != nil {
		return nil, fmt.Errorf("map columns: %w", err)
	}

	sess := &PreviewSession{
		ID:            uuid.New().String(),
		FileName:      req.FileName,
		Records:       roster.BuildRecords(table.Rows, mapping, s.validator),
		ColumnMapping: mapping,
	}
	if err := s.previews.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("store preview: %w", err)
	}

	valid, invalid := sess.Counts()
	s.metrics.preview(mapping.Strategy, valid, invalid)
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("file", sess.FileName).
		Str("strategy", mapping.Strategy).
		Int("valid", valid).
		Int("invalid", invalid).
		Msg("preview created")
	return sess, nil
}

// GetPreview returns an unconsumed session.
func (s *Service) GetPreview(ctx context.Context, id string) (*PreviewSession, error) {
	return s.previews.Get(ctx, id)
}

// EstimatedSeconds is a rough processing time for n records.
func (s *Service) EstimatedSeconds(n int) float64 {
	return (time.Duration(n) * (s.sendDelay + perRecordOverhead)).Seconds()
}

// ---------------------------------------------------------------------------
// Confirm
// ---------------------------------------------------------------------------

// ConfirmRequest commits a preview session. An empty selection means every
// valid record. SendEnabled defaults to true.
type ConfirmRequest struct {
	SessionID       string `json:"sessionId"`
	SelectedIndices []int  `json:"selectedIndices"`
	SendEnabled     *bool  `json:"sendEnabled"`
	TriggerEvent    string `json:"triggerEvent"`
}

// Confirm consumes the session and starts a job for the selected records.
// Session and selection errors are returned before any job exists.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*UploadJob, error) {
	event := s.defaultEvent
	if req.TriggerEvent != "" {
		e, err := hl7v2.ParseTriggerEvent(req.TriggerEvent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		event = e
	}
	sendEnabled := req.SendEnabled == nil || *req.SendEnabled

	sess, err := s.previews.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := selectRecords(sess.Records, req.SelectedIndices); err != nil {
		return nil, err
	}

	sess, err = s.previews.Consume(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	selected, err := selectRecords(sess.Records, req.SelectedIndices)
	if err != nil {
		return nil, err
	}

	job := &UploadJob{
		ID:            uuid.New().String(),
		SessionID:     sess.ID,
		FileName:      sess.FileName,
		Status:        JobProcessing,
		TriggerEvent:  event,
		SendEnabled:   sendEnabled,
		TotalSelected: len(selected),
		Results:       make([]JobResult, 0, len(selected)),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("session_id", sess.ID).
		Str("trigger", string(event)).
		Bool("send", sendEnabled).
		Int("selected", len(selected)).
		Msg("job started")

	s.wg.Add(1)
	go s.run(job.Clone(), selected)
	return job, nil
}

// selectRecords resolves indices against records. Duplicates are dropped
// keeping the first occurrence.
func selectRecords(records []*roster.PatientRecord, indices []int) ([]*roster.PatientRecord, error) {
	if len(indices) == 0 {
		var out []*roster.PatientRecord
		for _, r := range records {
			if r.Valid() {
				out = append(out, r)
			}
		}
		return out, nil
	}

	byIndex := make(map[int]*roster.PatientRecord, len(records))
	for _, r := range records {
		byIndex[r.Index] = r
	}
	seen := make(map[int]bool, len(indices))
	out := make([]*roster.PatientRecord, 0, len(indices))
	for _, i := range indices {
		if seen[i] {
			continue
		}
		seen[i] = true
		r, ok := byIndex[i]
		if !ok {
			return nil, fmt.Errorf("%w: index %d is out of range", ErrInvalidSelection, i)
		}
		if !r.Valid() {
			return nil, fmt.Errorf("%w: record %d failed validation", ErrInvalidSelection, i)
		}
		out = append(out, r)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// GetJob returns a snapshot of a job, falling back to the archive once the
// job has left memory.
func (s *Service) GetJob(ctx context.Context, id string) (*UploadJob, error) {
	job, err := s.jobs.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) && s.archive != nil {
		return s.archive.Get(ctx, id)
	}
	return job, err
}

// ProbeReceiver checks that the downstream listener accepts connections.
func (s *Service) ProbeReceiver(ctx context.Context) error {
	return s.sender.Probe(ctx)
}

// ReceiverAddr returns the downstream listener address.
func (s *Service) ReceiverAddr() string {
	return s.sender.Addr()
}

// Shutdown cancels running jobs and waits for them to finalize.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// Wait blocks until every started job has finalized.
func (s *Service) Wait() {
	s.wg.Wait()
}

// jobRun is the state of one job while it is processed.
type jobRun struct {
	job      *UploadJob
	records  []*roster.PatientRecord
	recorded int
	steps    int
	done     int
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

func (r *jobRun) percent() int {
	if r.steps == 0 {
		return 100
	}
	return r.done * 100 / r.steps
}

func (s *Service) run(job *UploadJob, records []*roster.PatientRecord) {
	defer s.wg.Done()
	s.metrics.jobStarted()
	defer s.metrics.jobStopped()

	limit := rate.Inf
	if s.sendDelay > 0 {
		limit = rate.Every(s.sendDelay)
	}
	r := &jobRun{
		job:     job,
		records: records,
		steps:   3 * len(records),
		limiter: rate.NewLimiter(limit, 1),
		logger:  s.logger.With().Str("job_id", job.ID).Logger(),
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("job aborted")
			s.abort(r, fmt.Sprintf("internal error: %v", p))
		}
	}()

	ctx := s.baseCtx
	s.publish(r, progress.Event{Step: StepInitialize, Message: fmt.Sprintf("Processing %d records", len(records))})

	for i, rec := range records {
		if ctx.Err() != nil {
			s.abort(r, "job cancelled: server shutting down")
			return
		}
		res := s.process(ctx, r, i, rec)
		if err := s.record(r, res); err != nil {
			r.logger.Error().Err(err).Int("index", rec.Index).Msg("record result")
		}
	}

	s.finish(r, JobCompleted, "")
}

// process builds and, when enabled, sends one record.
func (s *Service) process(ctx context.Context, r *jobRun, pos int, rec *roster.PatientRecord) JobResult {
	res := JobResult{Index: rec.Index, PatientUUID: rec.UUID, MRN: rec.MRN}
	idx := rec.Index
	n := pos + 1
	total := len(r.records)

	controlID := s.ids.Next()
	msg, err := s.builder.Build(patientFromRecord(rec), r.job.TriggerEvent, controlID)
	r.done++
	if err != nil {
		r.logger.Error().Err(err).Int("index", idx).Str("patient_uuid", rec.UUID).Msg("build message")
		res.Status = ResultFailed
		res.Error = err.Error()
		res.Hint = "The record could not be rendered as an HL7 message. Check its identification fields."
		r.done++
		return res
	}
	res.ControlID = controlID
	res.Message = msg.String()
	s.publish(r, progress.Event{
		Step: StepBuild, Index: &idx, PatientUUID: rec.UUID,
		Message: fmt.Sprintf("Built ADT^%s for record %d of %d", r.job.TriggerEvent, n, total),
	})

	if !r.job.SendEnabled {
		res.Status = ResultGenerated
		r.done++
		s.publish(r, progress.Event{
			Step: StepSend, Index: &idx, PatientUUID: rec.UUID,
			Message: fmt.Sprintf("Generated record %d of %d without sending", n, total),
		})
		return res
	}

	sent, attempts := s.send(ctx, r, res.Message)
	res.Attempts = attempts
	res.Outcome = string(sent.Outcome)
	res.Ack = sent.RawAck
	if sent.Accepted() {
		res.Status = ResultSent
	} else {
		res.Status = ResultFailed
		res.Error = sent.Reason()
		res.Hint = HintForSend(sent, s.sender.Addr())
	}
	r.done++

	level := zerolog.InfoLevel
	if !sent.Accepted() {
		level = zerolog.WarnLevel
	}
	r.logger.WithLevel(level).
		Int("index", idx).
		Str("control_id", controlID).
		Str("outcome", res.Outcome).
		Int("attempts", attempts).
		Dur("duration", sent.Duration).
		Msg("message sent")

	s.publish(r, progress.Event{
		Step: StepSend, Index: &idx, PatientUUID: rec.UUID,
		Message: fmt.Sprintf("Record %d of %d: %s", n, total, sent.Outcome),
	})
	return res
}

// send transmits text, retrying timeouts and connectivity failures up to
// maxRetries times. Every attempt waits on the job's pacing limiter.
func (s *Service) send(ctx context.Context, r *jobRun, text string) (hl7v2.SendResult, int) {
	var res hl7v2.SendResult
	attempts := 0
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			if attempts == 0 {
				return hl7v2.SendResult{Outcome: hl7v2.OutcomeConnectivity, Err: fmt.Errorf("send cancelled: %w", err)}, 0
			}
			return res, attempts
		}
		attempts++
		res = s.sender.Send(ctx, text)
		s.metrics.send(string(res.Outcome), res.Duration)
		retryable := res.Outcome == hl7v2.OutcomeTimeout || res.Outcome == hl7v2.OutcomeConnectivity
		if !retryable || attempts > s.maxRetries || ctx.Err() != nil {
			return res, attempts
		}
		r.logger.Warn().Err(res.Err).Int("attempt", attempts).Msg("send failed, retrying")
	}
}

// record appends a result to the stored job and reports it.
func (s *Service) record(r *jobRun, res JobResult) error {
	ctx := context.WithoutCancel(s.baseCtx)
	err := s.jobs.Update(ctx, r.job.ID, func(j *UploadJob) error {
		return j.AddResult(res)
	})
	if err != nil {
		return err
	}
	r.recorded++
	r.done = 3 * r.recorded
	s.metrics.result(res.Status)
	idx := res.Index
	s.publish(r, progress.Event{
		Step: StepRecord, Index: &idx, PatientUUID: res.PatientUUID,
		Message: fmt.Sprintf("Record %d of %d %s", r.recorded, len(r.records), res.Status),
	})
	return nil
}

// abort records every unprocessed record as failed and fails the job.
func (s *Service) abort(r *jobRun, reason string) {
	ctx := context.WithoutCancel(s.baseCtx)
	for _, rec := range r.records[r.recorded:] {
		res := JobResult{
			Index:       rec.Index,
			PatientUUID: rec.UUID,
			MRN:         rec.MRN,
			Status:      ResultFailed,
			Error:       "cancelled",
		}
		err := s.jobs.Update(ctx, r.job.ID, func(j *UploadJob) error { return j.AddResult(res) })
		if err != nil {
			r.logger.Error().Err(err).Int("index", rec.Index).Msg("record cancelled result")
			break
		}
		r.recorded++
		s.metrics.result(res.Status)
	}
	s.finish(r, JobFailed, reason)
}

// finish moves the job to its terminal status, archives it and publishes
// the final event.
func (s *Service) finish(r *jobRun, status, reason string) {
	ctx := context.WithoutCancel(s.baseCtx)
	var snapshot *UploadJob
	err := s.jobs.Update(ctx, r.job.ID, func(j *UploadJob) error {
		if err := j.Finish(status, reason, s.now().UTC()); err != nil {
			return err
		}
		snapshot = j.Clone()
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("finalize job")
		return
	}

	succeeded, failed := snapshot.Tally()
	s.metrics.jobFinished(status)
	if s.archive != nil {
		actx, cancel := context.WithTimeout(ctx, archiveTimeout)
		if err := s.archive.Save(actx, snapshot); err != nil {
			r.logger.Error().Err(err).Msg("archive job")
		}
		cancel()
	}

	r.done = r.steps
	msg := fmt.Sprintf("Completed: %d succeeded, %d failed", succeeded, failed)
	if status == JobFailed {
		msg = fmt.Sprintf("Failed: %s (%d succeeded, %d failed)", reason, succeeded, failed)
	}
	s.publish(r, progress.Event{Step: StepFinalize, Status: status, Message: msg, Final: true})

	r.logger.Info().
		Str("status", status).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("job finished")
}

func (s *Service) publish(r *jobRun, e progress.Event) {
	e.Topic = r.job.ID
	e.ProgressPercent = r.percent()
	if e.Status == "" {
		e.Status = JobProcessing
	}
	if err := s.publisher.Publish(context.WithoutCancel(s.baseCtx), e); err != nil {
		r.logger.Warn().Err(err).Str("step", e.Step).Msg("publish progress")
	}
}

// patientFromRecord converts a validated record into builder input.
func patientFromRecord(rec *roster.PatientRecord) hl7v2.ADTPatient {
	return hl7v2.ADTPatient{
		UUID:        rec.UUID,
		MRN:         rec.MRN,
		FirstName:   rec.FirstName,
		LastName:    rec.LastName,
		DateOfBirth: rec.DateOfBirth,
		Gender:      rec.Gender,
		Phone:       rec.Phone,
		Address:     rec.Address,
		City:        rec.City,
		State:       rec.State,
		Zip:         rec.Zip,
	}
}
