package intake

import (
	"time"

	"github.com/ehr/intake/internal/platform/metrics"
)

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	previews *metrics.Counter
	rows     *metrics.Counter
	results  *metrics.Counter
	sends    *metrics.Histogram
	jobs     *metrics.Counter
	running  *metrics.Gauge
}

// NewMetrics registers the intake metric families on reg.
func NewMetrics(reg *metrics.Registry) *Metrics {
	return &Metrics{
		previews: reg.NewCounter("intake_previews_total", "Uploads previewed, by mapping strategy.", "strategy"),
		rows:     reg.NewCounter("intake_preview_records_total", "Previewed records, by validation status.", "status"),
		results:  reg.NewCounter("intake_results_total", "Per-record job results, by status.", "status"),
		sends:    reg.NewHistogram("intake_send_duration_seconds", "MLLP send attempts, by outcome.", metrics.DurationBuckets, "outcome"),
		jobs:     reg.NewCounter("intake_jobs_total", "Finished jobs, by status.", "status"),
		running:  reg.NewGauge("intake_jobs_running", "Jobs being processed."),
	}
}

func (m *Metrics) preview(strategy string, valid, invalid int) {
	if m == nil {
		return
	}
	m.previews.Inc(strategy)
	m.rows.Add(int64(valid), "valid")
	m.rows.Add(int64(invalid), "invalid")
}

func (m *Metrics) result(status string) {
	if m == nil {
		return
	}
	m.results.Inc(status)
}

func (m *Metrics) send(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sends.Observe(d.Seconds(), outcome)
}

func (m *Metrics) jobStarted() {
	if m == nil {
		return
	}
	m.running.Add(1)
}

func (m *Metrics) jobStopped() {
	if m == nil {
		return
	}
	m.running.Add(-1)
}

func (m *Metrics) jobFinished(status string) {
	if m == nil {
		return
	}
	m.jobs.Inc(status)
}
