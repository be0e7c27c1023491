// Package server exposes the experimentation core over HTTP. Handlers are
// thin adapters: they decode the request, call one core operation and map
// its error to a status code.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/assign"
	"github.com/marketkit/variantd/internal/config"
	"github.com/marketkit/variantd/internal/events"
	"github.com/marketkit/variantd/internal/experiment"
	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/results"
)

const shutdownTimeout = 10 * time.Second

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the core components served over HTTP.
type Deps struct {
	Registry *experiment.Registry
	Engine   *assign.Engine
	Analyzer *results.Analyzer
	Events   *events.Store
	Ingestor *events.Ingestor
	DB       Pinger
}

type Server struct {
	deps      Deps
	cfg       config.HTTPConfig
	token     string
	router    *http.ServeMux
	handler   http.Handler
	logger    *zap.Logger
	startTime time.Time
}

// New builds the server. When cfg.OperatorToken is empty a random token is
// generated.
func New(deps Deps, cfg config.HTTPConfig, logger *zap.Logger) *Server {
	token := cfg.OperatorToken
	if token == "" {
		token = generateToken()
	}

	srv := &Server{
		deps:      deps,
		cfg:       cfg,
		token:     token,
		router:    http.NewServeMux(),
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	srv.handler = chain(
		srv.recoverPanics,
		requestID,
	)(otelhttp.NewHandler(srv.router, "variantd"))
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())

	s.public("GET /api/variants/{name}", s.handleVariant)
	s.public("GET /api/display/{productID}", s.handleDisplay)
	s.public("POST /api/conversions", s.handleConversion)
	s.public("POST /api/events", s.handleSubmitEvents)

	// Operator endpoints
	s.operator("POST /api/experiments", s.handleCreateExperiment)
	s.operator("GET /api/experiments", s.handleListExperiments)
	s.operator("GET /api/experiments/{id}", s.handleGetExperiment)
	s.operator("PATCH /api/experiments/{id}", s.handleUpdateExperiment)
	s.operator("DELETE /api/experiments/{id}", s.handleDeleteExperiment)
	s.operator("POST /api/experiments/{id}/start", s.handleStartExperiment)
	s.operator("POST /api/experiments/{id}/pause", s.handlePauseExperiment)
	s.operator("POST /api/experiments/{id}/complete", s.handleCompleteExperiment)
	s.operator("GET /api/experiments/{id}/results", s.handleResults)
	s.operator("GET /api/events", s.handleQueryEvents)
	s.operator("GET /api/events/stats", s.handleEventStats)
}

// public registers a CORS-enabled route and its preflight.
func (s *Server) public(pattern string, h http.HandlerFunc) {
	s.router.Handle(pattern, cors(h))

	_, path, _ := strings.Cut(pattern, " ")
	s.router.Handle("OPTIONS "+path, cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

func (s *Server) operator(pattern string, h http.HandlerFunc) {
	s.router.Handle(pattern, s.authMiddleware(h))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.WriteTokenFile(); err != nil {
		s.logger.Warn("failed to write token file", zap.String("path", s.cfg.TokenFile), zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// WriteTokenFile stores the operator token so `variantd token` can read it.
func (s *Server) WriteTokenFile() error {
	if s.cfg.TokenFile == "" {
		return nil
	}
	return os.WriteFile(s.cfg.TokenFile, []byte(s.token), 0600)
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("generate operator token: %v", err))
	}
	return hex.EncodeToString(bytes)
}
