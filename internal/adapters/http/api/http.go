// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	service "github.com/okian/tutorrisk/internal/app"
	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
)

// Dependencies required by HTTP handlers. The service satisfies it; tests
// swap in fakes per handler group.
type Dependencies interface {
	EventDependencies
	EntityDependencies
	PredictionDependencies
	LeaderboardDependencies
	RankDependencies
	ModelDependencies
	SettingsDependencies
	StatsProvider
	Ping(ctx context.Context) error
}

// Default request limits.
const (
	DefaultMaxTopLimit  = 100
	DefaultMaxBatchSize = 500
	defaultTimeout      = 60 * time.Second
)

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	eventsHandler      *EventsHandler
	entitiesHandler    *EntitiesHandler
	predictionsHandler *PredictionsHandler
	leaderboardHandler *LeaderboardHandler
	rankHandler        *RankHandler
	modelHandler       *ModelHandler
	settingsHandler    *SettingsHandler

	allowedOrigins []string
	log            logger.Logger
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	maxTopLimit    int
	maxBatchSize   int
	allowedOrigins []string
	log            logger.Logger
}

// WithMaxTopLimit caps GET /v1/risk/top?limit.
func WithMaxTopLimit(n int) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.maxTopLimit = n
		}
	}
}

// WithMaxBatchSize caps the number of pairs in one batch request.
func WithMaxBatchSize(n int) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.maxBatchSize = n
		}
	}
}

// WithAllowedOrigins sets the CORS origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *serverConfig) { c.allowedOrigins = origins }
}

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(c *serverConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	cfg := serverConfig{
		maxTopLimit:    DefaultMaxTopLimit,
		maxBatchSize:   DefaultMaxBatchSize,
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logger.Get().Named("api")
	}
	return &Server{
		healthHandler:      NewHealthHandler(deps),
		statsHandler:       NewStatsHandler(deps),
		eventsHandler:      NewEventsHandler(deps),
		entitiesHandler:    NewEntitiesHandler(deps),
		predictionsHandler: NewPredictionsHandler(deps, cfg.maxBatchSize),
		leaderboardHandler: NewLeaderboardHandler(deps, cfg.maxTopLimit),
		rankHandler:        NewRankHandler(deps),
		modelHandler:       NewModelHandler(deps),
		settingsHandler:    NewSettingsHandler(deps),
		allowedOrigins:     cfg.allowedOrigins,
		log:                cfg.log,
	}
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	r.Get("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events"))

		r.Put("/entities/{id}", MetricsMiddleware(s.entitiesHandler.HandlePutEntity, "entities_put"))
		r.Get("/entities/{id}/risk", MetricsMiddleware(s.entitiesHandler.HandleGetRisk, "entities_risk"))

		r.Get("/predictions", MetricsMiddleware(s.predictionsHandler.HandleGetPrediction, "predictions_get"))
		r.Post("/predictions/refresh", MetricsMiddleware(s.predictionsHandler.HandleRefresh, "predictions_refresh"))
		r.Post("/predictions/batch", MetricsMiddleware(s.predictionsHandler.HandleBatch, "predictions_batch"))
		r.Post("/sessions/predict", MetricsMiddleware(s.predictionsHandler.HandlePredictSession, "sessions_predict"))

		r.Get("/risk/top", MetricsMiddleware(s.leaderboardHandler.HandleGetTop, "risk_top"))
		r.Get("/risk/rank/{id}", MetricsMiddleware(s.rankHandler.HandleGetRank, "risk_rank"))

		r.Post("/model/{kind}/reload", MetricsMiddleware(s.modelHandler.HandleReload, "model_reload"))

		r.Get("/settings", MetricsMiddleware(s.settingsHandler.HandleGet, "settings_get"))
		r.Patch("/settings", MetricsMiddleware(s.settingsHandler.HandlePatch, "settings_patch"))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", errors.New("endpoint not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", errors.New("method not allowed"))
	})
}

// Handler returns a router with every route registered.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	s.Register(ctx, r)
	return r
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps the error taxonomy to a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrComputation):
		return http.StatusUnprocessableEntity, "computation_failed"
	case errors.Is(err, service.ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, model.ErrPersistence),
		errors.Is(err, model.ErrModelUnavailable),
		errors.Is(err, service.ErrNotStarted),
		errors.Is(err, service.ErrStopped):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
