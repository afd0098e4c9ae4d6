package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gitpulse/gitpulse/internal/analytics"
	"github.com/gitpulse/gitpulse/internal/fetch"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// Server exposes the analytics and fetch pipeline as a JSON API under
// /api/v1.
type Server struct {
	store        storage.Store
	engine       *analytics.Engine
	orchestrator *fetch.Orchestrator
	defaultOwner string
	defaultRepo  string
	logger       *logrus.Logger
	httpServer   *http.Server
}

// NewServer wires the API handlers.
func NewServer(addr string, store storage.Store, engine *analytics.Engine, orchestrator *fetch.Orchestrator, defaultOwner, defaultRepo string, logger *logrus.Logger) *Server {
	s := &Server{
		store:        store,
		engine:       engine,
		orchestrator: orchestrator,
		defaultOwner: defaultOwner,
		defaultRepo:  defaultRepo,
		logger:       logger,
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router builds the /api/v1 route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/authors", s.handleAuthors).Methods(http.MethodGet)
	v1.HandleFunc("/deviations", s.handleDeviations).Methods(http.MethodGet)
	v1.HandleFunc("/day-of-week", s.handleDayOfWeek).Methods(http.MethodGet)
	v1.HandleFunc("/word-frequencies", s.handleWordFrequencies).Methods(http.MethodGet)
	v1.HandleFunc("/fetch-data", s.handleFetchData).Methods(http.MethodPost)
	return r
}

// ListenAndServe runs the server until the context is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// statusRecorder captures the response code for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r)

		s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Info("request handled")
	})
}
