package metrics

import (
	"time"
)

// ProctordMetrics holds all proctord-specific metrics.
type ProctordMetrics struct {
	registry *Registry

	// Counters
	EventsIngestedTotal   *Counter
	EventsSuppressedTotal *Counter
	EventsUnknownTotal    *Counter
	BlocksAppendedTotal   *Counter
	AppendConflictsTotal  *Counter
	AttemptsStartedTotal  *Counter
	TerminationsTotal     *Counter
	WarningsTotal         *Counter
	VerificationsTotal    *Counter
	ErrorsTotal           *Counter

	// Gauges
	ActiveAttempts   *Gauge
	ChainHeadSeq     *Gauge
	UptimeSeconds    *Gauge
	LastVerifyStatus *Gauge // 1 valid, 0 invalid

	// Histograms
	AppendDuration        *Histogram
	VerificationDuration  *Histogram
	DatabaseQueryDuration *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewProctordMetrics creates and registers all proctord metrics.
func NewProctordMetrics(registry *Registry) *ProctordMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &ProctordMetrics{
		registry: registry,

		EventsIngestedTotal: registry.RegisterCounter(
			"events_ingested_total",
			"Total number of proctoring events ingested",
			nil,
		),
		EventsSuppressedTotal: registry.RegisterCounter(
			"events_suppressed_total",
			"Total number of events dropped by the throttle window",
			nil,
		),
		EventsUnknownTotal: registry.RegisterCounter(
			"events_unknown_total",
			"Total number of unrecognized signal tags recorded as unclassified",
			nil,
		),
		BlocksAppendedTotal: registry.RegisterCounter(
			"blocks_appended_total",
			"Total number of blocks appended to the audit chain",
			nil,
		),
		AppendConflictsTotal: registry.RegisterCounter(
			"append_conflicts_total",
			"Total number of append retries due to head conflicts",
			nil,
		),
		AttemptsStartedTotal: registry.RegisterCounter(
			"attempts_started_total",
			"Total number of exam attempts started",
			nil,
		),
		TerminationsTotal: registry.RegisterCounter(
			"terminations_total",
			"Total number of attempts auto-terminated",
			nil,
		),
		WarningsTotal: registry.RegisterCounter(
			"warnings_total",
			"Total number of attempts moved to warned",
			nil,
		),
		VerificationsTotal: registry.RegisterCounter(
			"verifications_total",
			"Total number of chain verifications performed",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		ActiveAttempts: registry.RegisterGauge(
			"active_attempts",
			"Number of attempts currently in progress or warned",
			nil,
		),
		ChainHeadSeq: registry.RegisterGauge(
			"chain_head_sequence",
			"Sequence number of the latest audit chain block",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		LastVerifyStatus: registry.RegisterGauge(
			"last_verify_status",
			"Result of the most recent chain verification (1 valid, 0 invalid)",
			nil,
		),

		AppendDuration: registry.RegisterHistogram(
			"append_duration_seconds",
			"Duration of ledger append operations in seconds",
			nil,
			DurationBuckets,
		),
		VerificationDuration: registry.RegisterHistogram(
			"verification_duration_seconds",
			"Duration of chain verification in seconds",
			nil,
			DurationBuckets,
		),
		DatabaseQueryDuration: registry.RegisterHistogram(
			"database_query_duration_seconds",
			"Duration of database queries in seconds",
			nil,
			DurationBuckets,
		),
	}

	return m
}

// RecordIngest records an ingested event and its outcome.
func (m *ProctordMetrics) RecordIngest(suppressed bool) {
	m.EventsIngestedTotal.Inc()
	if suppressed {
		m.EventsSuppressedTotal.Inc()
	}
}

// RecordUnknownSignal records an unclassified signal tag.
func (m *ProctordMetrics) RecordUnknownSignal() {
	m.EventsUnknownTotal.Inc()
}

// RecordAppend records a successful chain append.
func (m *ProctordMetrics) RecordAppend(seq int64, duration time.Duration) {
	m.BlocksAppendedTotal.Inc()
	m.ChainHeadSeq.Set(seq)
	m.AppendDuration.ObserveDuration(duration)
}

// RecordAppendConflict records a head conflict retry.
func (m *ProctordMetrics) RecordAppendConflict() {
	m.AppendConflictsTotal.Inc()
}

// AttemptStarted records an attempt start.
func (m *ProctordMetrics) AttemptStarted() {
	m.AttemptsStartedTotal.Inc()
	m.ActiveAttempts.Inc()
}

// AttemptFinished records an attempt reaching a terminal state.
func (m *ProctordMetrics) AttemptFinished(terminated bool) {
	m.ActiveAttempts.Dec()
	if terminated {
		m.TerminationsTotal.Inc()
	}
}

// AttemptWarned records a warning transition.
func (m *ProctordMetrics) AttemptWarned() {
	m.WarningsTotal.Inc()
}

// RecordVerification records a chain verification run.
func (m *ProctordMetrics) RecordVerification(duration time.Duration, valid bool) {
	m.VerificationsTotal.Inc()
	m.VerificationDuration.ObserveDuration(duration)
	if valid {
		m.LastVerifyStatus.Set(1)
	} else {
		m.LastVerifyStatus.Set(0)
	}
}

// StartVerificationTimer returns a timer for verification operations.
func (m *ProctordMetrics) StartVerificationTimer() *HistogramTimer {
	return m.VerificationDuration.Timer()
}

// RecordDatabaseQuery records a database query.
func (m *ProctordMetrics) RecordDatabaseQuery(duration time.Duration) {
	m.DatabaseQueryDuration.ObserveDuration(duration)
}

// RecordError records an error.
func (m *ProctordMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// UpdateUptime updates the uptime metric.
func (m *ProctordMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *ProctordMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"events_ingested_total":   m.EventsIngestedTotal.Value(),
		"events_suppressed_total": m.EventsSuppressedTotal.Value(),
		"events_unknown_total":    m.EventsUnknownTotal.Value(),
		"blocks_appended_total":   m.BlocksAppendedTotal.Value(),
		"append_conflicts_total":  m.AppendConflictsTotal.Value(),
		"attempts_started_total":  m.AttemptsStartedTotal.Value(),
		"terminations_total":      m.TerminationsTotal.Value(),
		"warnings_total":          m.WarningsTotal.Value(),
		"verifications_total":     m.VerificationsTotal.Value(),
		"errors_total":            m.ErrorsTotal.Value(),
		"active_attempts":         m.ActiveAttempts.Value(),
		"chain_head_sequence":     m.ChainHeadSeq.Value(),
		"uptime_seconds":          m.UptimeSeconds.Value(),
		"append_avg_seconds":      m.AppendDuration.Mean(),
	}
}

// Global proctord metrics instance.
var defaultProctordMetrics *ProctordMetrics

// GetMetrics returns the global proctord metrics instance.
func GetMetrics() *ProctordMetrics {
	if defaultProctordMetrics == nil {
		defaultProctordMetrics = NewProctordMetrics(Default())
	}
	return defaultProctordMetrics
}

// InitMetrics initializes the global proctord metrics with a custom registry.
func InitMetrics(registry *Registry) *ProctordMetrics {
	defaultProctordMetrics = NewProctordMetrics(registry)
	return defaultProctordMetrics
}
