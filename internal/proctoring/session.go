package proctoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goelprasang2004/smart-proctoring-system/internal/ledger"
)

// Monitor is the attempt session state machine. It consumes classified
// events and decides per attempt whether to log, warn, or terminate, with
// every decision durably recorded in the ledger before it is reported.
type Monitor struct {
	store    *Store
	chain    *ledger.Store
	throttle *Throttle
	logger   *slog.Logger
	now      func() time.Time

	policyMu sync.RWMutex
	policy   Policy
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Policy is the per-event-type decision table.
	Policy Policy

	// ThrottleWindow suppresses duplicate (attempt, event type) signals.
	ThrottleWindow time.Duration
}

// NewMonitor creates the state machine over the given stores.
func NewMonitor(store *Store, chain *ledger.Store, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy.AutoTerminate == nil {
		cfg.Policy = DefaultPolicy()
	}
	return &Monitor{
		store:    store,
		chain:    chain,
		throttle: NewThrottle(cfg.ThrottleWindow),
		policy:   cfg.Policy,
		logger:   logger.With("component", "proctoring_monitor"),
		now:      time.Now,
	}
}

// SetPolicy swaps the decision table. Safe to call on config reload while
// signals are in flight; each delivery decides under a single snapshot of
// the table.
func (m *Monitor) SetPolicy(p Policy) {
	if p.AutoTerminate == nil {
		return
	}
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
}

func (m *Monitor) currentPolicy() Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// StartAttempt registers a new attempt and records the start in the ledger.
func (m *Monitor) StartAttempt(ctx context.Context, attemptID, examID, studentID string) (*Attempt, error) {
	attempt, err := m.store.StartAttempt(ctx, attemptID, examID, studentID)
	if err != nil {
		return nil, err
	}

	if _, err := m.chain.Append(ctx, ledger.EventAttemptStarted, ledger.EntityAttempt, attemptID, map[string]interface{}{
		"exam_id":    examID,
		"student_id": studentID,
		"started_at": attempt.StartedAt,
	}); err != nil {
		m.logger.Error("failed to record attempt start", "attempt_id", attemptID, "error", err)
		return nil, fmt.Errorf("record attempt start: %w", err)
	}

	m.logger.Info("attempt started", "attempt_id", attemptID, "exam_id", examID)
	return attempt, nil
}

// Submit finishes an attempt via explicit student submission. The submission
// block is appended before the terminal state is reported back.
func (m *Monitor) Submit(ctx context.Context, attemptID string) (*Attempt, error) {
	attempt, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAttemptFinished, attemptID, attempt.Status)
	}

	won, err := m.store.Submit(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, fmt.Errorf("%w: %s", ErrAttemptFinished, attemptID)
	}

	if _, err := m.chain.Append(ctx, ledger.EventAttemptSubmitted, ledger.EntityAttempt, attemptID, map[string]interface{}{
		"submitted_at": m.now().UnixNano(),
	}); err != nil {
		m.logger.Error("failed to record submission", "attempt_id", attemptID, "error", err)
		return nil, fmt.Errorf("record submission: %w", err)
	}

	m.throttle.Forget(attemptID)
	return m.store.GetAttempt(ctx, attemptID)
}

// Ingest processes one raw client signal end to end: classify, throttle,
// record, decide. The returned Result carries the action the browser-side
// collaborator must apply (e.g. force the client session to end).
//
// Errors are local to this one signal; failures never block or corrupt
// other attempts' processing.
func (m *Monitor) Ingest(ctx context.Context, attemptID, tag string, confidence float64, metadata json.RawMessage) (*Result, error) {
	attempt, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	event, err := Classify(attemptID, tag, confidence, metadata, m.now())
	if err != nil {
		if errors.Is(err, ErrUnknownSignal) {
			// Unmapped tags are recorded as generic low-confidence events
			// rather than dropped, so no signal is ever lost.
			m.logger.Warn("unknown signal tag", "attempt_id", attemptID, "tag", tag)
			event = ClassifyUnknown(attemptID, tag, confidence, metadata, m.now())
		} else {
			return nil, err
		}
	}

	if !m.throttle.Allow(attemptID, event.EventType) {
		m.logger.Debug("signal suppressed", "attempt_id", attemptID, "event_type", event.EventType)
		return &Result{
			Action:     ActionLog,
			EventType:  event.EventType,
			Severity:   event.Severity,
			Suppressed: true,
		}, nil
	}

	occurrences, err := m.store.InsertEvent(ctx, event)
	if err != nil {
		// The signal was never persisted, so the throttle window must not
		// swallow its retry.
		m.throttle.Release(attemptID, event.EventType)
		return nil, err
	}

	block, err := m.chain.Append(ctx, ledger.EventProctoring, ledger.EntityAttempt, attemptID, event)
	if err != nil {
		m.throttle.Release(attemptID, event.EventType)
		return nil, fmt.Errorf("record event: %w", err)
	}

	result := &Result{
		Action:    ActionLog,
		EventType: event.EventType,
		Severity:  event.Severity,
		Sequence:  block.SequenceNumber,
	}

	// Terminal attempts keep accepting events for the audit trail, but the
	// state machine is done: every delivery is a log-only no-op.
	if attempt.Status.Terminal() {
		return result, nil
	}

	switch m.currentPolicy().ActionFor(event, occurrences) {
	case PolicyAutoTerminate:
		return m.terminate(ctx, attemptID, event, result)
	case PolicyWarn:
		if won, err := m.store.Warn(ctx, attemptID); err != nil {
			return nil, err
		} else if won {
			result.Action = ActionWarn
			result.Reason = fmt.Sprintf("repeated %s events", event.EventType)
			m.logger.Info("attempt warned", "attempt_id", attemptID, "event_type", event.EventType)
		}
		return result, nil
	default:
		return result, nil
	}
}

// terminate performs the exactly-once terminal transition. The status CAS
// decides the winner between concurrent deliveries; only the winner appends
// the attempt_terminated block and reports terminate, and the block is
// durable before the action is returned.
func (m *Monitor) terminate(ctx context.Context, attemptID string, event Event, result *Result) (*Result, error) {
	reason := fmt.Sprintf("auto-terminated: %s (%s)", event.EventType, event.Description)

	won, err := m.store.Terminate(ctx, attemptID, reason)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another delivery already finished this attempt.
		return result, nil
	}

	if _, err := m.chain.Append(ctx, ledger.EventAttemptTerminated, ledger.EntityAttempt, attemptID, map[string]interface{}{
		"triggering_event": event.EventType,
		"severity":         event.Severity,
		"confidence_score": event.Confidence,
		"reason":           reason,
		"terminated_at":    m.now().UnixNano(),
	}); err != nil {
		// The status flipped but the immutable record failed: surface the
		// error so the caller does not report an unrecorded termination.
		m.logger.Error("failed to record termination", "attempt_id", attemptID, "error", err)
		return nil, fmt.Errorf("record termination: %w", err)
	}

	m.throttle.Forget(attemptID)
	m.logger.Warn("attempt terminated",
		"attempt_id", attemptID,
		"event_type", event.EventType,
		"confidence", event.Confidence,
	)

	result.Action = ActionTerminate
	result.Reason = reason
	return result, nil
}

// ListSuspicious exposes the reviewer triage query.
func (m *Monitor) ListSuspicious(ctx context.Context, confidenceThreshold float64, minEventCount int64) ([]AttemptSummary, error) {
	return m.store.ListSuspicious(ctx, confidenceThreshold, minEventCount)
}

// Attempt exposes attempt lookup for the API layer.
func (m *Monitor) Attempt(ctx context.Context, attemptID string) (*Attempt, error) {
	return m.store.GetAttempt(ctx, attemptID)
}
