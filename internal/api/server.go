// ABOUTME: HTTP surface of the queue service: async webhook ingestion plus
// ABOUTME: healthz and metrics. Handlers run concurrently over a pgxpool.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filipekp/queue/internal/queue"
	"github.com/filipekp/queue/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	mgr *queue.Manager
	db  *pgxpool.Pool
}

// NewServer creates a Server. db backs the health check and may be nil in
// tests that do not need one (healthz reports degraded).
func NewServer(mgr *queue.Manager, db *pgxpool.Pool) *Server {
	return &Server{mgr: mgr, db: db}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// First so the headers appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// Webhook payloads are small; a 1 MB cap keeps misbehaving callers from
	// holding memory.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler(srv.db))
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/{token}", srv.webhookHandler)

	return r
}

// webhookResponse is the JSON body for POST /webhook/{token}.
type webhookResponse struct {
	Affected int64 `json:"affected"`
}

// webhookHandler resolves a process_async item from an external callback.
// The token in the path correlates the callback to its queue row; the JSON
// body must carry http_code, result and datetime.
func (srv *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	affected, err := srv.mgr.IngestWebhookResult(r.Context(), chi.URLParam(r, "token"), payload)
	if err != nil {
		if errors.Is(err, store.ErrInvalidArgument) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "webhook ingestion failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, webhookResponse{Affected: affected})
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB answers a ping and
// 503 {"status":"degraded"} when it does not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, r, statusCode, resp)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "encode response", "error", err)
	}
}
