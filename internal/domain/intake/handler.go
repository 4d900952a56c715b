package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/hl7v2"
	"github.com/ehr/intake/internal/platform/progress"
)

const (
	probeTimeout      = 5 * time.Second
	heartbeatInterval = 15 * time.Second
)

type Handler struct {
	svc       *Service
	broker    *progress.Broker
	logger    zerolog.Logger
	heartbeat time.Duration
}

func NewHandler(svc *Service, broker *progress.Broker, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, broker: broker, logger: logger, heartbeat: heartbeatInterval}
}

// RegisterRoutes mounts the intake endpoints on g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/preview", h.Preview)
	g.GET("/preview/:sessionId", h.GetPreview)
	g.POST("/confirm", h.Confirm)
	g.GET("/job/:jobId", h.GetJob)
	g.GET("/job/:jobId/stream", h.StreamJob)
	g.GET("/job/:jobId/results", h.GetResults)
	g.GET("/trigger-events", h.TriggerEvents)
	g.GET("/health/receiver", h.ReceiverHealth)
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionConsumed):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidSelection), errors.Is(err, ErrInvalidTrigger), errors.Is(err, roster.ErrInputInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return c.JSON(status, errorResponse{Error: "internal server error"})
	}
	return c.JSON(status, errorResponse{Error: err.Error(), Hint: HintForError(err)})
}

// -- Preview --

type previewResponse struct {
	SessionID        string                  `json:"sessionId"`
	FileName         string                  `json:"fileName"`
	TotalRecords     int                     `json:"totalRecords"`
	ValidRecords     int                     `json:"validRecords"`
	InvalidRecords   int                     `json:"invalidRecords"`
	Records          []*roster.PatientRecord `json:"records"`
	ColumnMapping    roster.ColumnMapping    `json:"columnMapping"`
	ExpiresAt        time.Time               `json:"expiresAt"`
	EstimatedSeconds float64                 `json:"estimatedSeconds"`
	Hints            map[int]string          `json:"hints,omitempty"`
}

func (h *Handler) newPreviewResponse(s *PreviewSession) previewResponse {
	valid, invalid := s.Counts()
	records := s.Records
	if records == nil {
		records = []*roster.PatientRecord{}
	}
	resp := previewResponse{
		SessionID:        s.ID,
		FileName:         s.FileName,
		TotalRecords:     len(s.Records),
		ValidRecords:     valid,
		InvalidRecords:   invalid,
		Records:          records,
		ColumnMapping:    s.ColumnMapping,
		ExpiresAt:        s.ExpiresAt,
		EstimatedSeconds: h.svc.EstimatedSeconds(valid),
	}
	if hints := recordHints(s.Records); len(hints) > 0 {
		resp.Hints = hints
	}
	return resp
}

func (h *Handler) Preview(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return h.respondError(c, fmt.Errorf("%w: multipart field \"file\" is required", roster.ErrInputInvalid))
	}
	f, err := fh.Open()
	if err != nil {
		return h.respondError(c, fmt.Errorf("%w: cannot open upload: %v", roster.ErrInputInvalid, err))
	}
	defer f.Close()

	sess, err := h.svc.Preview(c.Request().Context(), PreviewRequest{
		FileName:        fh.Filename,
		Body:            f,
		MappingStrategy: c.FormValue("mappingStrategy"),
	})
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, h.newPreviewResponse(sess))
}

func (h *Handler) GetPreview(c echo.Context) error {
	sess, err := h.svc.GetPreview(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, h.newPreviewResponse(sess))
}

// -- Confirm --

type confirmResponse struct {
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	TotalSelected int    `json:"totalSelected"`
}

func (h *Handler) Confirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return h.respondError(c, fmt.Errorf("%w: request body must be a JSON object", roster.ErrInputInvalid))
	}
	if req.SessionID == "" {
		return h.respondError(c, fmt.Errorf("%w: sessionId is required", roster.ErrInputInvalid))
	}

	job, err := h.svc.Confirm(c.Request().Context(), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, confirmResponse{
		JobID:         job.ID,
		Status:        job.Status,
		TotalSelected: job.TotalSelected,
	})
}

// -- Jobs --

type jobSummary struct {
	JobID          string             `json:"jobId"`
	SessionID      string             `json:"sessionId"`
	FileName       string             `json:"fileName"`
	Status         string             `json:"status"`
	TriggerEvent   hl7v2.TriggerEvent `json:"triggerEvent"`
	SendEnabled    bool               `json:"sendEnabled"`
	TotalSelected  int                `json:"totalSelected"`
	TotalProcessed int                `json:"totalProcessed"`
	Succeeded      int                `json:"succeeded"`
	Failed         int                `json:"failed"`
	CreatedAt      time.Time          `json:"createdAt"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty"`
	Error          string             `json:"error,omitempty"`
}

func summarize(j *UploadJob) jobSummary {
	succeeded, failed := j.Tally()
	return jobSummary{
		JobID:          j.ID,
		SessionID:      j.SessionID,
		FileName:       j.FileName,
		Status:         j.Status,
		TriggerEvent:   j.TriggerEvent,
		SendEnabled:    j.SendEnabled,
		TotalSelected:  j.TotalSelected,
		TotalProcessed: len(j.Results),
		Succeeded:      succeeded,
		Failed:         failed,
		CreatedAt:      j.CreatedAt,
		CompletedAt:    j.CompletedAt,
		Error:          j.Error,
	}
}

func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.svc.GetJob(c.Request().Context(), c.Param("jobId"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, summarize(job))
}

type resultsResponse struct {
	JobID          string      `json:"jobId"`
	Status         string      `json:"status"`
	TotalProcessed int         `json:"totalProcessed"`
	Succeeded      int         `json:"succeeded"`
	Failed         int         `json:"failed"`
	Results        []JobResult `json:"results"`
}

// GetResults answers 202 with partial counts while the job is running.
func (h *Handler) GetResults(c echo.Context) error {
	job, err := h.svc.GetJob(c.Request().Context(), c.Param("jobId"))
	if err != nil {
		return h.respondError(c, err)
	}
	succeeded, failed := job.Tally()
	results := job.Results
	if results == nil {
		results = []JobResult{}
	}
	status := http.StatusOK
	if !job.Terminal() {
		status = http.StatusAccepted
	}
	return c.JSON(status, resultsResponse{
		JobID:          job.ID,
		Status:         job.Status,
		TotalProcessed: len(job.Results),
		Succeeded:      succeeded,
		Failed:         failed,
		Results:        results,
	})
}

// StreamJob sends job progress as server-sent events named "progress". The
// stream replays what was already published and ends after the final event.
func (h *Handler) StreamJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("jobId")
	job, err := h.svc.GetJob(ctx, id)
	if err != nil {
		return h.respondError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	// A finished job whose history is gone gets one synthesized final event.
	if job.Terminal() {
		if _, ok := h.broker.Last(id); !ok {
			return writeSSE(w, finalEventFor(job))
		}
	}

	sub, replay := h.broker.Subscribe(id)
	defer sub.Close()

	last := 0
	for _, e := range replay {
		if err := writeSSE(w, e); err != nil {
			return nil
		}
		last = e.Seq
		if e.Final {
			return nil
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				if fe, ok := h.broker.Last(id); ok && fe.Final && fe.Seq > last {
					writeSSE(w, fe)
				}
				return nil
			}
			if e.Seq <= last {
				continue
			}
			if err := writeSSE(w, e); err != nil {
				return nil
			}
			last = e.Seq
			if e.Final {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeSSE(w *echo.Response, e progress.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", e.Seq, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func finalEventFor(j *UploadJob) progress.Event {
	succeeded, failed := j.Tally()
	e := progress.Event{
		Topic:           j.ID,
		Step:            StepFinalize,
		Status:          j.Status,
		ProgressPercent: 100,
		Final:           true,
		Message:         fmt.Sprintf("Completed: %d succeeded, %d failed", succeeded, failed),
	}
	if j.Status == JobFailed {
		e.Message = fmt.Sprintf("Failed: %s (%d succeeded, %d failed)", j.Error, succeeded, failed)
	}
	if j.CompletedAt != nil {
		e.Timestamp = *j.CompletedAt
	}
	return e
}

// -- Reference --

func (h *Handler) TriggerEvents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"triggerEvents": hl7v2.SupportedTriggers(),
		"default":       h.svc.defaultEvent,
	})
}

func (h *Handler) ReceiverHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
	defer cancel()

	addr := h.svc.ReceiverAddr()
	if err := h.svc.ProbeReceiver(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unhealthy",
			"receiver": addr,
			"error":    err.Error(),
			"hint":     HintForSend(hl7v2.SendResult{Outcome: hl7v2.OutcomeConnectivity}, addr),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"receiver": addr,
	})
}
