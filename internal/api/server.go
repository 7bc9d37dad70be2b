// Package api provides the HTTP server for txengine.
// It exposes the transaction lifecycle under /api/transactions, plus /health
// and the Prometheus /metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/groupfinance/txengine/internal/app/query"
	"github.com/groupfinance/txengine/internal/domain"
)

// Lifecycle is the write side the handlers drive.
type Lifecycle interface {
	Create(ctx context.Context, req domain.CreateRequest) (*domain.Transaction, error)
	CreateCorrection(ctx context.Context, originalID string, req domain.CorrectionRequest) (*domain.Transaction, error)
	Cancel(ctx context.Context, id, ownerID string) (*domain.Transaction, error)
	InjectOutcome(ctx context.Context, id string, success bool, receipt string) (*domain.Transaction, error)
}

// Server is the txengine HTTP API server.
type Server struct {
	lifecycle      Lifecycle
	queries        *query.Service
	log            *logrus.Entry
	metricsEnabled bool
	limiter        *RateLimiter  // nil disables rate limiting
	timeout        time.Duration // per-request timeout
}

// NewServer creates a new API server.
func NewServer(lc Lifecycle, queries *query.Service, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{lifecycle: lc, queries: queries, log: log, timeout: 30 * time.Second}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetRateLimit enables per-caller rate limiting.
func (s *Server) SetRateLimit(rps float64, burst int) {
	s.limiter = NewRateLimiter(rps, burst, s.log)
}

// SetRequestTimeout overrides the per-request timeout.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(metricsMiddleware)
	if s.limiter != nil {
		r.Use(s.limiter.Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/transactions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleAll)
		r.Get("/health", s.handleHealth)
		r.Get("/my-transactions", s.handleMine)
		r.Get("/status/{status}", s.handleByStatus)
		r.Get("/range", s.handleRange)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleByID)
			r.Put("/cancel", s.handleCancel)
			r.Post("/correction", s.handleCorrection)
			r.Get("/corrections", s.handleCorrections)
			r.Post("/simulate-callback", s.handleSimulateCallback)
		})
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, "Transaction service is running", map[string]string{"status": "ok"})
}

// ─── Envelope ───────────────────────────────────────────────────────────────

// Response is the JSON envelope of every reply.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, msg string, data interface{}) {
	writeJSON(w, status, Response{Success: true, Message: msg, Data: data})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Message: msg})
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotOwned):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
