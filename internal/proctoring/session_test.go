package proctoring

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goelprasang2004/smart-proctoring-system/internal/ledger"
)

func newTestMonitor(t *testing.T, cfg MonitorConfig) (*Monitor, *ledger.Store) {
	t.Helper()
	dir := t.TempDir()

	chain, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })
	require.NoError(t, chain.Bootstrap(context.Background()))

	store, err := OpenStore(filepath.Join(dir, "proctoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewMonitor(store, chain, cfg, nil), chain
}

func lastBlockOfType(t *testing.T, chain *ledger.Store, attemptID, eventType string) *ledger.Block {
	t.Helper()
	blocks, err := chain.BlocksByEntity(context.Background(), ledger.EntityAttempt, attemptID)
	require.NoError(t, err)
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].EventType == eventType {
			return &blocks[i]
		}
	}
	return nil
}

func countBlocksOfType(t *testing.T, chain *ledger.Store, attemptID, eventType string) int {
	t.Helper()
	blocks, err := chain.BlocksByEntity(context.Background(), ledger.EntityAttempt, attemptID)
	require.NoError(t, err)
	n := 0
	for _, b := range blocks {
		if b.EventType == eventType {
			n++
		}
	}
	return n
}

func TestMonitorStartRecordsBlock(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	attempt, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, attempt.Status)

	block := lastBlockOfType(t, chain, "a1", ledger.EventAttemptStarted)
	require.NotNil(t, block, "attempt_started block missing")

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(block.Payload, &payload))
	assert.Equal(t, "exam-1", payload["exam_id"])
	assert.Equal(t, "student-1", payload["student_id"])
}

func TestMonitorCriticalEventTerminates(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	res, err := m.Ingest(ctx, "a1", "multiple_faces", 0.94, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionTerminate, res.Action)
	assert.Contains(t, res.Reason, "multiple_faces")

	attempt, err := m.Attempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, attempt.Status)
	require.NotNil(t, attempt.FinishedAt)

	// The event itself and the termination are both chained.
	assert.Equal(t, 1, countBlocksOfType(t, chain, "a1", ledger.EventProctoring))
	term := lastBlockOfType(t, chain, "a1", ledger.EventAttemptTerminated)
	require.NotNil(t, term, "attempt_terminated block missing")

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(term.Payload, &payload))
	assert.Equal(t, "multiple_faces", payload["triggering_event"])
	assert.Equal(t, 0.94, payload["confidence_score"])
}

func TestMonitorConcurrentCriticalsTerminateOnce(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{
		// Disable throttling so every delivery reaches the policy.
		ThrottleWindow: time.Nanosecond,
	})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	const deliveries = 8
	var wg sync.WaitGroup
	results := make([]*Result, deliveries)
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Ingest(ctx, "a1", "phone_detected", 0.9, nil)
		}(i)
	}
	wg.Wait()

	terminates := 0
	for i := 0; i < deliveries; i++ {
		require.NoError(t, errs[i])
		if results[i].Action == ActionTerminate {
			terminates++
		}
	}
	assert.Equal(t, 1, terminates, "exactly one delivery must report terminate")
	assert.Equal(t, 1, countBlocksOfType(t, chain, "a1", ledger.EventAttemptTerminated))
}

func TestMonitorTerminalAttemptLogsOnly(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{ThrottleWindow: time.Nanosecond})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	res, err := m.Ingest(ctx, "a1", "tab_switch", 0.9, nil)
	require.NoError(t, err)
	require.Equal(t, ActionTerminate, res.Action)

	// Late deliveries after termination are recorded but never act.
	res, err = m.Ingest(ctx, "a1", "multiple_faces", 0.99, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionLog, res.Action)
	assert.False(t, res.Suppressed)

	assert.Equal(t, 2, countBlocksOfType(t, chain, "a1", ledger.EventProctoring))
	assert.Equal(t, 1, countBlocksOfType(t, chain, "a1", ledger.EventAttemptTerminated))
}

func TestMonitorThrottleSuppressesDuplicate(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{ThrottleWindow: time.Minute})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	res, err := m.Ingest(ctx, "a1", "gaze_away", 0.8, nil)
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.Equal(t, ActionLog, res.Action)

	res, err = m.Ingest(ctx, "a1", "gaze_away", 0.8, nil)
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.Equal(t, ActionLog, res.Action)
	assert.Zero(t, res.Sequence, "suppressed signals must not reach the ledger")

	assert.Equal(t, 1, countBlocksOfType(t, chain, "a1", ledger.EventProctoring))
}

func TestMonitorThrottleReleasedOnAppendFailure(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{ThrottleWindow: time.Minute})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	// Make the ledger append fail after the throttle window is claimed.
	require.NoError(t, chain.Close())

	_, err = m.Ingest(ctx, "a1", "gaze_away", 0.8, nil)
	require.Error(t, err)

	// The failed signal must not occupy the window: the retry has to reach
	// the ledger again instead of being reported as a duplicate.
	res, err := m.Ingest(ctx, "a1", "gaze_away", 0.8, nil)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestMonitorPolicySwapDuringIngest(t *testing.T) {
	m, _ := newTestMonitor(t, MonitorConfig{ThrottleWindow: time.Nanosecond})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m.SetPolicy(DefaultPolicy())
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := m.Ingest(ctx, "a1", "keystroke_pattern_change", 0.6, nil)
		require.NoError(t, err)
	}
	<-done
}

func TestMonitorWarnsAfterRepeatedMedium(t *testing.T) {
	m, _ := newTestMonitor(t, MonitorConfig{ThrottleWindow: time.Nanosecond})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := m.Ingest(ctx, "a1", "gaze_away", 0.8, nil)
		require.NoError(t, err)
		assert.Equal(t, ActionLog, res.Action)
	}

	res, err := m.Ingest(ctx, "a1", "gaze_away", 0.8, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionWarn, res.Action)

	attempt, err := m.Attempt(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusWarned, attempt.Status)

	// Further medium events on a warned attempt stay log-only: the warn CAS
	// only fires from in_progress.
	res, err = m.Ingest(ctx, "a1", "gaze_away", 0.8, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionLog, res.Action)
}

func TestMonitorUnknownTagRecorded(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	res, err := m.Ingest(ctx, "a1", "telepathy_detected", 0.99, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, ActionLog, res.Action)
	assert.Equal(t, UnclassifiedSignal, res.EventType)
	assert.Equal(t, SeverityLow, res.Severity)

	block := lastBlockOfType(t, chain, "a1", ledger.EventProctoring)
	require.NotNil(t, block)

	var ev Event
	require.NoError(t, json.Unmarshal(block.Payload, &ev))
	assert.Equal(t, UnclassifiedSignal, ev.EventType)
	assert.LessOrEqual(t, ev.Confidence, 0.2)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.Metadata, &meta))
	assert.Equal(t, "telepathy_detected", meta["original_tag"])
}

func TestMonitorSubmit(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)

	attempt, err := m.Submit(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, attempt.Status)
	require.NotNil(t, attempt.FinishedAt)

	block := lastBlockOfType(t, chain, "a1", ledger.EventAttemptSubmitted)
	require.NotNil(t, block, "attempt_submitted block missing")

	_, err = m.Submit(ctx, "a1")
	assert.ErrorIs(t, err, ErrAttemptFinished)
}

func TestMonitorIngestUnknownAttempt(t *testing.T) {
	m, _ := newTestMonitor(t, MonitorConfig{})
	_, err := m.Ingest(context.Background(), "ghost", "tab_switch", 0.9, nil)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestMonitorChainStaysValid(t *testing.T) {
	m, chain := newTestMonitor(t, MonitorConfig{ThrottleWindow: time.Nanosecond})
	ctx := context.Background()

	_, err := m.StartAttempt(ctx, "a1", "exam-1", "student-1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.Ingest(ctx, "a1", "keystroke_pattern_change", 0.6, nil)
		require.NoError(t, err)
	}
	_, err = m.Submit(ctx, "a1")
	require.NoError(t, err)

	result, err := ledger.NewVerifier(chain, nil).Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, result.IsValid, "violations: %+v", result.Errors)
}
