package server

import (
	"net/http"
	"time"

	"github.com/goelprasang2004/smart-proctoring-system/internal/health"
	"github.com/goelprasang2004/smart-proctoring-system/internal/logging"
	"github.com/goelprasang2004/smart-proctoring-system/internal/metrics"
)

// New builds the HTTP routing table around a Handler.
func New(h *Handler, checker *health.Checker, registry *metrics.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/attempts/start", h.StartAttempt)
	mux.HandleFunc("POST /api/attempts/{id}/submit", h.SubmitAttempt)
	mux.HandleFunc("GET /api/attempts/{id}", h.GetAttempt)
	mux.HandleFunc("POST /api/proctoring/events", h.IngestEvent)
	mux.HandleFunc("GET /api/proctoring/suspicious", h.ListSuspicious)
	mux.HandleFunc("POST /api/ledger/append", h.AppendBlock)
	mux.HandleFunc("GET /api/ledger/verify", h.VerifyChain)
	mux.HandleFunc("GET /api/ledger/blocks", h.ListBlocks)
	mux.HandleFunc("GET /api/ledger/summary", h.ChainSummary)

	if checker != nil {
		mux.Handle("GET /health", checker.HealthHandler())
		mux.Handle("GET /live", checker.LivenessHandler())
		mux.Handle("GET /ready", checker.ReadinessHandler())
	}
	if registry != nil {
		metricsHandler := registry.HTTPHandler()
		mux.Handle("GET /metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.Metrics != nil {
				h.Metrics.UpdateUptime()
			}
			metricsHandler.ServeHTTP(w, r)
		}))
	}

	return requestLogging(h.Logger, mux)
}

// requestLogging tags every request with an ID and logs method, path,
// and duration.
func requestLogging(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := logger.NewRequestID()
		ctx := logging.ContextWithRequestID(r.Context(), reqID)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		logger.Debug("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
