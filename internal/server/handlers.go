// Package server exposes the proctoring audit subsystem over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/goelprasang2004/smart-proctoring-system/internal/ledger"
	"github.com/goelprasang2004/smart-proctoring-system/internal/logging"
	"github.com/goelprasang2004/smart-proctoring-system/internal/metrics"
	"github.com/goelprasang2004/smart-proctoring-system/internal/proctoring"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler carries the wired subsystems behind the HTTP API.
type Handler struct {
	Monitor  *proctoring.Monitor
	Ledger   *ledger.Store
	Verifier *ledger.Verifier
	Metrics  *metrics.ProctordMetrics
	Logger   *logging.Logger

	// SuspicionThreshold and SuspicionMinEvents are the defaults for the
	// suspicious-attempts report when the query omits them.
	SuspicionThreshold float64
	SuspicionMinEvents int

	eventSchema *jsonschema.Schema
}

// NewHandler wires a Handler and compiles the ingestion schema.
func NewHandler(monitor *proctoring.Monitor, chain *ledger.Store, verifier *ledger.Verifier, m *metrics.ProctordMetrics, logger *logging.Logger) (*Handler, error) {
	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		Monitor:            monitor,
		Ledger:             chain,
		Verifier:           verifier,
		Metrics:            m,
		Logger:             logger.WithComponent("server"),
		SuspicionThreshold: 0.7,
		SuspicionMinEvents: 3,
		eventSchema:        schema,
	}, nil
}

// startAttemptRequest is the body for POST /api/attempts/start.
type startAttemptRequest struct {
	AttemptID string `json:"attempt_id"`
	ExamID    string `json:"exam_id"`
	StudentID string `json:"student_id"`
}

// StartAttempt handles POST /api/attempts/start.
func (h *Handler) StartAttempt(w http.ResponseWriter, r *http.Request) {
	var req startAttemptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AttemptID == "" || req.ExamID == "" || req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "attempt_id, exam_id, and student_id are required")
		return
	}

	attempt, err := h.Monitor.StartAttempt(r.Context(), req.AttemptID, req.ExamID, req.StudentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.AttemptStarted()
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "attempt": attempt})
}

// SubmitAttempt handles POST /api/attempts/{id}/submit.
func (h *Handler) SubmitAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID := r.PathValue("id")
	if attemptID == "" {
		writeError(w, http.StatusBadRequest, "attempt id required")
		return
	}

	attempt, err := h.Monitor.Submit(r.Context(), attemptID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.AttemptFinished(false)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "attempt": attempt})
}

// GetAttempt handles GET /api/attempts/{id}.
func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.Monitor.Attempt(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "attempt": attempt})
}

// ingestRequest is the body for POST /api/proctoring/events, validated
// against the embedded JSON schema before decoding.
type ingestRequest struct {
	AttemptID  string          `json:"attempt_id"`
	EventType  string          `json:"event_type"`
	Confidence float64         `json:"confidence"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// IngestEvent handles POST /api/proctoring/events.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var instance interface{}
	if err := json.Unmarshal(body, &instance); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.eventSchema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "schema validation failed: "+err.Error())
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	result, err := h.Monitor.Ingest(r.Context(), req.AttemptID, req.EventType, req.Confidence, req.Metadata)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.RecordIngest(result.Suppressed)
		if result.EventType == proctoring.UnclassifiedSignal {
			h.Metrics.RecordUnknownSignal()
		}
		if result.Action == proctoring.ActionTerminate {
			h.Metrics.AttemptFinished(true)
		}
		if result.Action == proctoring.ActionWarn {
			h.Metrics.AttemptWarned()
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result})
}

// ListSuspicious handles GET /api/proctoring/suspicious.
func (h *Handler) ListSuspicious(w http.ResponseWriter, r *http.Request) {
	threshold := h.SuspicionThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			writeError(w, http.StatusBadRequest, "threshold must be a number in [0, 1]")
			return
		}
		threshold = parsed
	}

	minEvents := int64(h.SuspicionMinEvents)
	if v := r.URL.Query().Get("min_events"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "min_events must be a non-negative integer")
			return
		}
		minEvents = parsed
	}

	summaries, err := h.Monitor.ListSuspicious(r.Context(), threshold, minEvents)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": summaries})
}

// appendRequest is the body for POST /api/ledger/append.
type appendRequest struct {
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
}

// AppendBlock handles POST /api/ledger/append. It records an arbitrary audit
// event directly on the chain, for trusted portal components that bypass the
// proctoring pipeline (grade changes, manual reviews).
func (h *Handler) AppendBlock(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	start := time.Now()
	block, err := h.Ledger.Append(r.Context(), req.EventType, req.EntityType, req.EntityID, req.Payload)
	if err != nil {
		if h.Metrics != nil && errors.Is(err, ledger.ErrConflict) {
			h.Metrics.RecordAppendConflict()
		}
		h.writeDomainError(w, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.RecordAppend(block.SequenceNumber, time.Since(start))
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "block": block})
}

// VerifyChain handles GET /api/ledger/verify.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	fromSeq := int64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		fromSeq = parsed
	}

	limit := int64(0)
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	start := time.Now()
	result, err := h.Verifier.Verify(r.Context(), fromSeq, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.RecordVerification(time.Since(start), result.IsValid)
	}

	status := http.StatusOK
	if !result.IsValid {
		// A tampered chain is a conflict the caller must surface, not a 500.
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{"ok": result.IsValid, "report": result})
}

// ListBlocks handles GET /api/ledger/blocks.
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if entityType, entityID := q.Get("entity_type"), q.Get("entity_id"); entityType != "" || entityID != "" {
		if entityType == "" || entityID == "" {
			writeError(w, http.StatusBadRequest, "entity_type and entity_id must be given together")
			return
		}
		blocks, err := h.Ledger.BlocksByEntity(r.Context(), entityType, entityID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": blocks})
		return
	}

	fromSeq := int64(0)
	if v := q.Get("from"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		fromSeq = parsed
	}

	limit := int64(100)
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 500]")
			return
		}
		limit = parsed
	}

	blocks, err := h.Ledger.Blocks(r.Context(), fromSeq, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": blocks})
}

// ChainSummary handles GET /api/ledger/summary.
func (h *Handler) ChainSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Ledger.Summarize(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "summary": summary})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrSerialization):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrEmptyEventType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, proctoring.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, proctoring.ErrActiveAttempt), errors.Is(err, proctoring.ErrAttemptFinished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, proctoring.ErrInvalidConfidence):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.Error("internal error", "error", err)
		if h.Metrics != nil {
			h.Metrics.RecordError()
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}
