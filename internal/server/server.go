package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

// healthTimeout bounds the database ping so a wedged pool turns into a
// fast 503 instead of a hanging health probe.
const healthTimeout = 2 * time.Second

// Store is the persistence surface the API depends on.
type Store interface {
	Ping(ctx context.Context) error

	Ingest(ctx context.Context, externalID, eventType string, payload []byte) (store.IngestResult, error)
	GetEvent(ctx context.Context, id int64) (store.Event, error)
	ListEvents(ctx context.Context, filter store.EventFilter) ([]store.Event, int64, error)
	Stats(ctx context.Context, filter store.EventFilter) (store.EventStats, error)
	ListAttempts(ctx context.Context, eventID int64) ([]store.Attempt, error)
	Replay(ctx context.Context, id int64) (store.Event, error)
	ReplayBatch(ctx context.Context, ids []int64) ([]store.Event, error)
	RecoverStuck(ctx context.Context, olderThan time.Duration) ([]store.Event, error)

	CreateRule(ctx context.Context, nr store.NewRule) (store.Rule, error)
	GetRule(ctx context.Context, id int64) (store.Rule, error)
	ListRules(ctx context.Context, filter store.RuleFilter) ([]store.Rule, int64, error)
	UpdateRule(ctx context.Context, id int64, upd store.RuleUpdate) (store.Rule, error)
	DeactivateRule(ctx context.Context, id int64) (store.Rule, error)
	ListRuleVersions(ctx context.Context, ruleID int64) ([]store.RuleVersion, error)
}

// Config carries the server's runtime settings.
type Config struct {
	Addr            string
	CORSOrigins     []string
	Environment     string
	ShutdownTimeout time.Duration

	// RecoverOlderThan is the cutoff applied to requeue-stuck requests
	// that do not name one.
	RecoverOlderThan time.Duration
}

// Server is the HTTP API process.
type Server struct {
	store    Store
	hub      *Hub
	metrics  *metrics.Metrics
	log      *zap.Logger
	validate *validator.Validate
	cfg      Config

	http *http.Server
}

// New assembles the API server. hub may be nil when the live-update
// socket is not wanted, for example in one-shot tooling.
func New(st Store, hub *Hub, m *metrics.Metrics, log *zap.Logger, cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RecoverOlderThan <= 0 {
		cfg.RecoverOlderThan = 5 * time.Minute
	}

	s := &Server{
		store:    st,
		hub:      hub,
		metrics:  m,
		log:      log,
		validate: newValidator(),
		cfg:      cfg,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes assembles the router. The table lives here in one place so
// the API surface is readable top to bottom.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/events", func(r chi.Router) {
		r.Post("/", s.handleIngest)
		r.Get("/", s.handleListEvents)
		r.Get("/stats", s.handleEventStats)
		r.Post("/replay-batch", s.handleReplayBatch)
		r.Post("/requeue-stuck", s.handleRequeueStuck)
		r.Get("/{id}", s.handleGetEvent)
		r.Get("/{id}/attempts", s.handleListAttempts)
		r.Post("/{id}/replay", s.handleReplay)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)
		r.Get("/{id}", s.handleGetRule)
		r.Put("/{id}", s.handleUpdateRule)
		r.Delete("/{id}", s.handleDeactivateRule)
		r.Get("/{id}/versions", s.handleListRuleVersions)
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	if s.hub != nil {
		r.Get("/ws", s.handleWS)
	}

	return r
}

// Run serves HTTP until ctx is canceled, then drains open connections
// within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return <-errCh
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// handleHealth pings the database pool. Pool exhaustion and network
// partitions both surface here as a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "unhealthy",
			Timestamp: time.Now().UTC(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// handleWS hands the connection to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}
