package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goelprasang2004/smart-proctoring-system/internal/ledger"
	"github.com/goelprasang2004/smart-proctoring-system/internal/metrics"
	"github.com/goelprasang2004/smart-proctoring-system/internal/proctoring"
)

type testServer struct {
	handler    http.Handler
	chain      *ledger.Store
	ledgerPath string
	reg        *metrics.Registry
}

func newTestServer(t *testing.T, throttleWindow time.Duration) *testServer {
	t.Helper()
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.db")

	chain, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })
	require.NoError(t, chain.Bootstrap(context.Background()))

	store, err := proctoring.OpenStore(filepath.Join(dir, "proctoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	monitor := proctoring.NewMonitor(store, chain, proctoring.MonitorConfig{
		ThrottleWindow: throttleWindow,
	}, nil)

	reg := metrics.NewRegistry("proctord", "")
	h, err := NewHandler(monitor, chain, ledger.NewVerifier(chain, nil), metrics.NewProctordMetrics(reg), nil)
	require.NoError(t, err)

	return &testServer{handler: New(h, nil, reg), chain: chain, ledgerPath: ledgerPath, reg: reg}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func startAttempt(t *testing.T, ts *testServer, attemptID string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/attempts/start", map[string]string{
		"attempt_id": attemptID,
		"exam_id":    "exam-1",
		"student_id": "student-" + attemptID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestStartAttemptEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)

	rec := ts.do(t, http.MethodPost, "/api/attempts/start", map[string]string{
		"attempt_id": "a1", "exam_id": "exam-1", "student_id": "s1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	attempt := body["attempt"].(map[string]interface{})
	assert.Equal(t, "in_progress", attempt["status"])

	// Missing fields rejected.
	rec = ts.do(t, http.MethodPost, "/api/attempts/start", map[string]string{"attempt_id": "a2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Second live attempt for the same student and exam conflicts.
	rec = ts.do(t, http.MethodPost, "/api/attempts/start", map[string]string{
		"attempt_id": "a3", "exam_id": "exam-1", "student_id": "s1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	startAttempt(t, ts, "a1")

	rec := ts.do(t, http.MethodPost, "/api/proctoring/events", map[string]interface{}{
		"attempt_id": "a1",
		"event_type": "gaze_away",
		"confidence": 0.8,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "log", result["action"])
	assert.Equal(t, "gaze_away", result["event_type"])
}

func TestIngestSchemaValidation(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	startAttempt(t, ts, "a1")

	bad := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"missing attempt_id", map[string]interface{}{"event_type": "gaze_away", "confidence": 0.8}},
		{"missing event_type", map[string]interface{}{"attempt_id": "a1", "confidence": 0.8}},
		{"missing confidence", map[string]interface{}{"attempt_id": "a1", "event_type": "gaze_away"}},
		{"confidence out of range", map[string]interface{}{"attempt_id": "a1", "event_type": "gaze_away", "confidence": 1.5}},
		{"bad tag format", map[string]interface{}{"attempt_id": "a1", "event_type": "Gaze-Away!", "confidence": 0.8}},
		{"unknown field", map[string]interface{}{"attempt_id": "a1", "event_type": "gaze_away", "confidence": 0.8, "extra": 1}},
	}
	for _, tt := range bad {
		rec := ts.do(t, http.MethodPost, "/api/proctoring/events", tt.payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%s: %s", tt.name, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/proctoring/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestTerminatesViaPolicy(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	startAttempt(t, ts, "a1")

	rec := ts.do(t, http.MethodPost, "/api/proctoring/events", map[string]interface{}{
		"attempt_id": "a1",
		"event_type": "multiple_faces",
		"confidence": 0.94,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeBody(t, rec)["result"].(map[string]interface{})
	assert.Equal(t, "terminate", result["action"])

	rec = ts.do(t, http.MethodGet, "/api/attempts/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	attempt := decodeBody(t, rec)["attempt"].(map[string]interface{})
	assert.Equal(t, "terminated", attempt["status"])
}

func TestIngestUnknownAttempt(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	rec := ts.do(t, http.MethodPost, "/api/proctoring/events", map[string]interface{}{
		"attempt_id": "ghost",
		"event_type": "gaze_away",
		"confidence": 0.8,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	startAttempt(t, ts, "a1")

	rec := ts.do(t, http.MethodPost, "/api/attempts/a1/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	attempt := decodeBody(t, rec)["attempt"].(map[string]interface{})
	assert.Equal(t, "submitted", attempt["status"])

	// A second submit conflicts.
	rec = ts.do(t, http.MethodPost, "/api/attempts/a1/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown attempt is not found.
	rec = ts.do(t, http.MethodPost, "/api/attempts/ghost/submit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSuspiciousEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	startAttempt(t, ts, "a1")

	for i := 0; i < 4; i++ {
		rec := ts.do(t, http.MethodPost, "/api/proctoring/events", map[string]interface{}{
			"attempt_id": "a1",
			"event_type": "gaze_away",
			"confidence": 0.9,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/proctoring/suspicious?threshold=0.7&min_events=3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	items := decodeBody(t, rec)["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "a1", items[0].(map[string]interface{})["attempt_id"])

	// Bad query params.
	rec = ts.do(t, http.MethodGet, "/api/proctoring/suspicious?threshold=2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/proctoring/suspicious?min_events=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerAppendAndBlocks(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)

	rec := ts.do(t, http.MethodPost, "/api/ledger/append", map[string]interface{}{
		"event_type":  "grade_change",
		"entity_type": "exam",
		"entity_id":   "exam-1",
		"payload":     map[string]interface{}{"old": 72, "new": 85},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	block := decodeBody(t, rec)["block"].(map[string]interface{})
	assert.Equal(t, float64(1), block["sequence_number"])

	// Empty event type rejected.
	rec = ts.do(t, http.MethodPost, "/api/ledger/append", map[string]interface{}{
		"entity_type": "exam", "entity_id": "exam-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/ledger/blocks?entity_type=exam&entity_id=exam-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["items"].([]interface{})
	assert.Len(t, items, 1)

	// entity_type without entity_id is a usage error.
	rec = ts.do(t, http.MethodGet, "/api/ledger/blocks?entity_type=exam", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/ledger/blocks?limit=501", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodPost, "/api/ledger/append", map[string]interface{}{
			"event_type":  "audit_ping",
			"entity_type": "system",
			"entity_id":   "portal",
			"payload":     map[string]interface{}{"n": i},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/ledger/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	report := body["report"].(map[string]interface{})
	assert.Equal(t, float64(4), report["blocks_checked"])
}

func TestVerifyEndpointReportsTampering(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)

	rec := ts.do(t, http.MethodPost, "/api/ledger/append", map[string]interface{}{
		"event_type":  "audit_ping",
		"entity_type": "system",
		"entity_id":   "portal",
		"payload":     map[string]interface{}{"n": 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	tamperBlockPayload(t, ts.ledgerPath, 1, `{"n":999}`)

	rec = ts.do(t, http.MethodGet, "/api/ledger/verify", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
}

func TestChainSummaryEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	startAttempt(t, ts, "a1")

	rec := ts.do(t, http.MethodGet, "/api/ledger/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody(t, rec)["summary"].(map[string]interface{})
	assert.Equal(t, true, summary["initialized"])
	assert.Equal(t, float64(2), summary["total_blocks"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	startAttempt(t, ts, "a1")

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "proctord_attempts_started_total")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, time.Nanosecond)
	rec := ts.do(t, http.MethodGet, "/api/proctoring/events", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestThrottledIngestReportsSuppressed(t *testing.T) {
	ts := newTestServer(t, time.Minute)
	startAttempt(t, ts, "a1")

	payload := map[string]interface{}{
		"attempt_id": "a1",
		"event_type": "gaze_away",
		"confidence": 0.8,
	}
	rec := ts.do(t, http.MethodPost, "/api/proctoring/events", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody(t, rec)["result"].(map[string]interface{})
	assert.Nil(t, result["suppressed"])

	rec = ts.do(t, http.MethodPost, "/api/proctoring/events", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	result = decodeBody(t, rec)["result"].(map[string]interface{})
	assert.Equal(t, true, result["suppressed"])
}

// tamperBlockPayload rewrites a stored payload behind the hash chain's back.
func tamperBlockPayload(t *testing.T, path string, seq int64, payload string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer db.Close()

	res, err := db.Exec("UPDATE blocks SET payload = ? WHERE sequence_number = ?", payload, seq)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
