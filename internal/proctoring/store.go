package proctoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Schema for attempts and classified proctoring events. Blocks live in the
// ledger store; this side holds the mutable attempt status (the state
// machine's only writable field) and the read-optimized event log.
const schema = `
CREATE TABLE IF NOT EXISTS attempts (
    attempt_id          TEXT PRIMARY KEY,
    exam_id             TEXT NOT NULL,
    student_id          TEXT NOT NULL,
    status              TEXT NOT NULL,
    termination_reason  TEXT,
    started_at          INTEGER NOT NULL,
    finished_at         INTEGER
);

CREATE INDEX IF NOT EXISTS idx_attempts_student ON attempts(student_id, exam_id, status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_single_active
    ON attempts(student_id, exam_id)
    WHERE status IN ('in_progress', 'warned');

CREATE TABLE IF NOT EXISTS proctoring_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id    TEXT NOT NULL REFERENCES attempts(attempt_id),
    event_type    TEXT NOT NULL,
    category      TEXT NOT NULL,
    severity      TEXT NOT NULL,
    description   TEXT,
    confidence    REAL NOT NULL,
    metadata      TEXT,
    timestamp_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_attempt ON proctoring_events(attempt_id, event_type);
CREATE INDEX IF NOT EXISTS idx_events_confidence ON proctoring_events(confidence);
`

// Store persists attempts and classified events.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens or creates the proctoring database at the given path.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StartAttempt creates an attempt in in_progress state. A student may hold
// only one live attempt per exam; the idx_attempts_single_active partial
// unique index enforces this inside the insert, so concurrent starts cannot
// slip past a pre-check. ErrActiveAttempt reports a second start.
func (s *Store) StartAttempt(ctx context.Context, attemptID, examID, studentID string) (*Attempt, error) {
	a := &Attempt{
		AttemptID: attemptID,
		ExamID:    examID,
		StudentID: studentID,
		Status:    StatusInProgress,
		StartedAt: s.now().UnixNano(),
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (attempt_id, exam_id, student_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.AttemptID, a.ExamID, a.StudentID, a.Status, a.StartedAt,
	); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, fmt.Errorf("%w: student %s already has a live attempt for exam %s", ErrActiveAttempt, studentID, examID)
		}
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	return a, nil
}

// GetAttempt retrieves an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, attemptID string) (*Attempt, error) {
	var a Attempt
	var reason sql.NullString
	var finished sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT attempt_id, exam_id, student_id, status, termination_reason, started_at, finished_at
		FROM attempts WHERE attempt_id = ?`, attemptID,
	).Scan(&a.AttemptID, &a.ExamID, &a.StudentID, &a.Status, &reason, &a.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	a.TerminationReason = reason.String
	if finished.Valid {
		a.FinishedAt = &finished.Int64
	}
	return &a, nil
}

// Terminate atomically moves a live attempt to terminated. Returns true iff
// this call won the transition; a false return means another delivery got
// there first or the attempt was already terminal, which callers treat as a
// no-op rather than an error.
func (s *Store) Terminate(ctx context.Context, attemptID, reason string) (bool, error) {
	return s.finish(ctx, attemptID, StatusTerminated, reason)
}

// Submit atomically moves a live attempt to submitted. Only the explicit
// student submission path calls this, never event processing.
func (s *Store) Submit(ctx context.Context, attemptID string) (bool, error) {
	return s.finish(ctx, attemptID, StatusSubmitted, "")
}

// Warn moves an in-progress attempt to warned. Warned is not terminal, so a
// lost race here is harmless.
func (s *Store) Warn(ctx context.Context, attemptID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?
		WHERE attempt_id = ? AND status = ?`,
		StatusWarned, attemptID, StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("warn attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) finish(ctx context.Context, attemptID string, status AttemptStatus, reason string) (bool, error) {
	var reasonArg interface{}
	if reason != "" {
		reasonArg = reason
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET status = ?, termination_reason = ?, finished_at = ?
		WHERE attempt_id = ? AND status IN (?, ?)`,
		status, reasonArg, s.now().UnixNano(), attemptID, StatusInProgress, StatusWarned)
	if err != nil {
		return false, fmt.Errorf("finish attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertEvent records a classified event and returns how many events of the
// same type this attempt now has, which the policy table consumes.
func (s *Store) InsertEvent(ctx context.Context, ev Event) (int64, error) {
	var meta interface{}
	if len(ev.Metadata) > 0 {
		meta = string(ev.Metadata)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO proctoring_events (attempt_id, event_type, category, severity, description, confidence, metadata, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AttemptID, ev.EventType, ev.Category, ev.Severity, ev.Description, ev.Confidence, meta, ev.Timestamp.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proctoring_events WHERE attempt_id = ? AND event_type = ?`,
		ev.AttemptID, ev.EventType,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// EventsByAttempt returns all classified events for one attempt in time order.
func (s *Store) EventsByAttempt(ctx context.Context, attemptID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, event_type, category, severity, description, confidence, metadata, timestamp_ns
		FROM proctoring_events WHERE attempt_id = ?
		ORDER BY timestamp_ns ASC`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var desc, meta sql.NullString
		var ts int64
		if err := rows.Scan(&ev.AttemptID, &ev.EventType, &ev.Category, &ev.Severity, &desc, &ev.Confidence, &meta, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Description = desc.String
		if meta.Valid {
			ev.Metadata = json.RawMessage(meta.String)
		}
		ev.Timestamp = time.Unix(0, ts)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ListSuspicious groups events by attempt, filters by confidence and count
// thresholds, and ranks by descending average confidence. Pure read; an
// eventually-consistent snapshot is acceptable for this triage aid.
func (s *Store) ListSuspicious(ctx context.Context, confidenceThreshold float64, minEventCount int64) ([]AttemptSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, COUNT(*), AVG(confidence), MAX(timestamp_ns)
		FROM proctoring_events
		WHERE confidence >= ?
		GROUP BY attempt_id
		HAVING COUNT(*) >= ?
		ORDER BY AVG(confidence) DESC`, confidenceThreshold, minEventCount)
	if err != nil {
		return nil, fmt.Errorf("query suspicious attempts: %w", err)
	}
	defer rows.Close()

	var summaries []AttemptSummary
	for rows.Next() {
		var sum AttemptSummary
		if err := rows.Scan(&sum.AttemptID, &sum.EventCount, &sum.AvgConfidence, &sum.LastEventAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}

	for i := range summaries {
		types, err := s.topEventTypes(ctx, summaries[i].AttemptID, confidenceThreshold, 5)
		if err != nil {
			return nil, err
		}
		summaries[i].TopEventTypes = types
	}
	return summaries, nil
}

func (s *Store) topEventTypes(ctx context.Context, attemptID string, confidenceThreshold float64, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type FROM proctoring_events
		WHERE attempt_id = ? AND confidence >= ?
		GROUP BY event_type
		ORDER BY COUNT(*) DESC, event_type ASC
		LIMIT ?`, attemptID, confidenceThreshold, limit)
	if err != nil {
		return nil, fmt.Errorf("query top event types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan event type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}
