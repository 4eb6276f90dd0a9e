// Package ledger provides the append-only, hash-chained audit ledger for the
// proctoring system. Every proctoring-relevant occurrence is recorded as an
// immutable block whose hash commits to the previous block, so any retroactive
// modification or removal is detectable by re-walking the chain.
package ledger

import "encoding/json"

// Block is one immutable, hash-linked ledger entry.
//
// The persisted fields and the digest over them are a stable, documented
// format: changing the canonical payload serialization or the digest layout
// invalidates every previously computed hash and must be treated as a
// breaking migration.
type Block struct {
	// SequenceNumber is a monotonic, gapless index. Sequence 0 is genesis.
	SequenceNumber int64 `json:"sequence_number"`

	// PreviousHash is the CurrentHash of the prior block, or "" for genesis.
	PreviousHash string `json:"previous_hash"`

	// CurrentHash is the hex SHA-256 digest over this block's fields.
	// Never recomputed or mutated after insertion.
	CurrentHash string `json:"current_hash"`

	// EventType tags what happened, e.g. "face_detection", "attempt_terminated".
	EventType string `json:"event_type"`

	// EntityType and EntityID identify the subject being logged.
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// Payload is opaque structured data, immutable once written.
	Payload json.RawMessage `json:"payload"`

	// Signature is an optional Ed25519 signature over CurrentHash.
	Signature []byte `json:"signature,omitempty"`

	// CreatedAt is the server timestamp at append time, unix nanoseconds.
	CreatedAt int64 `json:"created_at"`
}

// Well-known event types written by the system itself. Collaborators may
// append their own free-form tags through the append API.
const (
	EventSystemInit        = "system_init"
	EventProctoring        = "proctoring_event"
	EventAttemptStarted    = "attempt_started"
	EventAttemptSubmitted  = "attempt_submitted"
	EventAttemptTerminated = "attempt_terminated"
)

// Entity types for the subjects blocks are recorded against.
const (
	EntitySystem  = "system"
	EntityAttempt = "exam_attempt"
	EntityExam    = "exam"
	EntityUser    = "user"
)

// MismatchKind classifies an integrity violation found by Verify.
type MismatchKind string

const (
	// MismatchHash means the recomputed digest differs from the stored one.
	MismatchHash MismatchKind = "hash_mismatch"
	// MismatchLink means previous_hash does not equal the prior block's hash.
	MismatchLink MismatchKind = "broken_link"
	// MismatchSequence means sequence numbers are not contiguous.
	MismatchSequence MismatchKind = "sequence_gap"
	// MismatchSignature means the stored signature does not verify.
	MismatchSignature MismatchKind = "bad_signature"
)

// IntegrityViolation describes one mismatch found during verification.
// Violations are reported for human investigation, never auto-repaired.
type IntegrityViolation struct {
	Sequence int64        `json:"sequence_number"`
	Kind     MismatchKind `json:"kind"`
	Detail   string       `json:"detail"`
}

// VerificationResult summarizes a chain verification pass.
type VerificationResult struct {
	IsValid       bool                 `json:"is_valid"`
	BlocksChecked int64                `json:"blocks_checked"`
	FromSequence  int64                `json:"from_sequence"`
	ToSequence    int64                `json:"to_sequence"`
	Errors        []IntegrityViolation `json:"errors"`
}

// Summary reports chain statistics for the admin-facing collaborator.
type Summary struct {
	TotalBlocks int64  `json:"total_blocks"`
	LatestHash  string `json:"latest_hash"`
	LatestSeq   int64  `json:"latest_sequence"`
	Initialized bool   `json:"initialized"`
}
