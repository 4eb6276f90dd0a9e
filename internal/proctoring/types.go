// Package proctoring turns raw client-reported signals into typed events and
// drives the per-attempt session state machine that decides whether to log,
// warn, or terminate. Every decision it makes is also recorded in the
// hash-chain ledger so the audit trail is complete and tamper-evident.
package proctoring

import (
	"encoding/json"
	"errors"
	"time"
)

// Severity is the coarse tier driving termination policy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category groups signal sources.
type Category string

const (
	CategoryFace        Category = "face"
	CategoryVoice       Category = "voice"
	CategoryBehavioral  Category = "behavioral"
	CategoryEnvironment Category = "environment"
)

// Event is a classified proctoring occurrence for one attempt. Immutable;
// always also recorded as a ledger block.
type Event struct {
	AttemptID   string          `json:"attempt_id"`
	EventType   string          `json:"event_type"`
	Category    Category        `json:"category"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence_score"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// AttemptStatus is the lifecycle state of one exam attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusWarned     AttemptStatus = "warned"
	StatusTerminated AttemptStatus = "terminated"
	StatusSubmitted  AttemptStatus = "submitted"
)

// Terminal reports whether no further transition may leave this status.
func (s AttemptStatus) Terminal() bool {
	return s == StatusTerminated || s == StatusSubmitted
}

// Attempt is one student's timed session against one exam.
type Attempt struct {
	AttemptID         string        `json:"attempt_id"`
	ExamID            string        `json:"exam_id"`
	StudentID         string        `json:"student_id"`
	Status            AttemptStatus `json:"status"`
	TerminationReason string        `json:"termination_reason,omitempty"`
	StartedAt         int64         `json:"started_at"`
	FinishedAt        *int64        `json:"finished_at,omitempty"`
}

// Action is the policy outcome of handling one event.
type Action string

const (
	ActionLog       Action = "log"
	ActionWarn      Action = "warn"
	ActionTerminate Action = "terminate"
)

// Result is what the ingestion API returns to the browser-side collaborator.
type Result struct {
	Action     Action   `json:"action"`
	EventType  string   `json:"event_type"`
	Severity   Severity `json:"severity"`
	Reason     string   `json:"reason,omitempty"`
	Suppressed bool     `json:"suppressed,omitempty"`
	Sequence   int64    `json:"sequence_number,omitempty"`
}

// AttemptSummary ranks one attempt for reviewer triage.
type AttemptSummary struct {
	AttemptID     string   `json:"attempt_id"`
	EventCount    int64    `json:"event_count"`
	AvgConfidence float64  `json:"avg_confidence"`
	LastEventAt   int64    `json:"last_event_at"`
	TopEventTypes []string `json:"top_event_types,omitempty"`
}

// Proctoring errors.
var (
	// ErrUnknownSignal means the classifier saw an unmapped raw tag.
	ErrUnknownSignal = errors.New("proctoring: unknown signal tag")

	// ErrAttemptNotFound means no attempt exists with the given ID.
	ErrAttemptNotFound = errors.New("proctoring: attempt not found")

	// ErrActiveAttempt means the student already has a live attempt for the exam.
	ErrActiveAttempt = errors.New("proctoring: active attempt already exists")

	// ErrAttemptFinished means the attempt is already in a terminal state.
	ErrAttemptFinished = errors.New("proctoring: attempt already finished")

	// ErrInvalidConfidence means the confidence score is outside [0,1].
	ErrInvalidConfidence = errors.New("proctoring: confidence score out of range")
)
