package intake

import (
	"testing"

	"github.com/ehr/intake/internal/domain/roster"
	"github.com/ehr/intake/internal/platform/hl7v2"
	"github.com/ehr/intake/internal/platform/metrics"
)

func TestMetrics_RecordPipeline(t *testing.T) {
	reg := metrics.NewRegistry()
	m := NewMetrics(reg)
	env := newTestEnv(t, nil, WithMetrics(m))
	env.sender.script = []hl7v2.SendResult{
		{Outcome: hl7v2.OutcomeAccepted, Ack: hl7v2.Ack{Code: "AA"}},
		{Outcome: hl7v2.OutcomeRejected, Ack: hl7v2.Ack{Code: "AE", Text: "Duplicate patient"}},
		{Outcome: hl7v2.OutcomeAccepted, Ack: hl7v2.Ack{Code: "AA"}},
	}

	sess := env.preview(t, sampleCSV)
	env.confirmAndWait(t, ConfirmRequest{SessionID: sess.ID})
	env.svc.Wait()

	if got := m.previews.Value(roster.StrategyDeterministic); got != 1 {
		t.Errorf("previews = %d, want 1", got)
	}
	if m.rows.Value("valid") != 3 || m.rows.Value("invalid") != 1 {
		t.Errorf("preview rows valid=%d invalid=%d", m.rows.Value("valid"), m.rows.Value("invalid"))
	}
	if m.results.Value(ResultSent) != 2 || m.results.Value(ResultFailed) != 1 {
		t.Errorf("results sent=%d failed=%d", m.results.Value(ResultSent), m.results.Value(ResultFailed))
	}
	if m.sends.Count(string(hl7v2.OutcomeAccepted)) != 2 || m.sends.Count(string(hl7v2.OutcomeRejected)) != 1 {
		t.Error("expected one send observation per attempt, by outcome")
	}
	if m.jobs.Value(JobCompleted) != 1 {
		t.Errorf("jobs completed = %d, want 1", m.jobs.Value(JobCompleted))
	}
	if m.running.Value() != 0 {
		t.Errorf("running gauge = %d after job end", m.running.Value())
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.preview("auto", 1, 1)
	m.result(ResultSent)
	m.send("accepted", 0)
	m.jobStarted()
	m.jobStopped()
	m.jobFinished(JobCompleted)
}
