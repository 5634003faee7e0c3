// Package httpapi exposes the custody services over HTTP with chi. Bodies
// are JSON, or protobuf when the client negotiates it.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/service"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

type Dependencies struct {
	Logger      *slog.Logger
	Addr        string
	Auth        *Authenticator
	Health      store.Pinger
	Evaluator   *service.AccessEvaluator
	Coordinator *service.CheckoutCoordinator
	Query       *service.QueryService
	Admin       *service.PolicyAdmin
	Incidents   *service.IncidentService
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	health      store.Pinger
	evaluator   *service.AccessEvaluator
	coordinator *service.CheckoutCoordinator
	query       *service.QueryService
	admin       *service.PolicyAdmin
	incidents   *service.IncidentService
}

func NewServer(d Dependencies) *Server {
	s := &Server{
		logger:      d.Logger,
		health:      d.Health,
		evaluator:   d.Evaluator,
		coordinator: d.Coordinator,
		query:       d.Query,
		admin:       d.Admin,
		incidents:   d.Incidents,
	}
	auth := d.Auth
	if auth == nil {
		auth = NewAuthenticator("", d.Logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(loggingMiddleware(d.Logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/checkouts", s.handleCheckout)
		r.Post("/returns", s.handleReturn)

		r.Get("/persons/{personID}/available-keys", s.handleAvailableKeys)
		r.Get("/keys", s.handleKeys)
		r.Get("/keys/{keyID}/status", s.handleKeyStatus)
		r.Get("/keys/{keyID}/exceptions", s.handleListExceptions)
		r.Get("/custody", s.handleInCustody)
		r.Get("/loans", s.handleLoans)
		r.Get("/summary", s.handleSummary)

		r.Get("/incidents", s.handleListIncidents)
		r.Post("/incidents", s.handleReportIncident)

		r.Get("/locations", s.handleListLocations)
		r.Get("/profiles", s.handleListProfiles)
		r.Get("/persons", s.handleListPersons)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Put("/locations/{id}", s.handlePutLocation)
			r.Delete("/locations/{id}", s.handleDeleteLocation)
			r.Put("/profiles/{id}", s.handlePutProfile)
			r.Delete("/profiles/{id}", s.handleDeleteProfile)
			r.Put("/keys/{id}", s.handlePutKey)
			r.Patch("/keys/{id}/status", s.handleSetKeyStatus)
			r.Put("/persons/{id}", s.handlePutPerson)
			r.Patch("/persons/{id}/status", s.handleSetPersonStatus)
			r.Put("/keys/{keyID}/exceptions/{personID}", s.handlePutException)
			r.Delete("/keys/{keyID}/exceptions/{personID}", s.handleDeleteException)
		})
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads the request body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(r, v); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return false
		}
		writeError(w, r, http.StatusBadRequest, "bad_body", "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyCheckout):
		writeError(w, r, http.StatusBadRequest, "empty_checkout", err.Error())
	case errors.Is(err, service.ErrDuplicateKeyInRequest):
		writeError(w, r, http.StatusBadRequest, "duplicate_key_in_request", err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrAlreadyInCustody):
		writeError(w, r, http.StatusConflict, "already_in_custody", err.Error())
	case errors.Is(err, store.ErrConcurrentConflict):
		writeError(w, r, http.StatusConflict, "concurrent_conflict", err.Error())
	case errors.Is(err, store.ErrNoOpenLoan):
		writeError(w, r, http.StatusConflict, "no_open_loan", err.Error())
	case errors.Is(err, store.ErrReturnBeforeCheckout):
		writeError(w, r, http.StatusConflict, "return_before_checkout", err.Error())
	case errors.Is(err, store.ErrInUse):
		writeError(w, r, http.StatusConflict, "in_use", err.Error())
	default:
		s.logger.Error(op+" failed", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

func operatorID(r *http.Request) string {
	op, _ := OperatorFromContext(r.Context())
	return op.ID
}
