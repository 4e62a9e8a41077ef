// Package handler exposes the service over HTTP: REST endpoints, the GitHub push webhook and
// the websocket live feed.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/miradorstack/deploywatch-rca/internal/cache"
	"github.com/miradorstack/deploywatch-rca/internal/config"
	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/services"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

const maxBodyBytes = 5 << 20

// Incidents is the application surface the HTTP layer drives.
type Incidents interface {
	Analyze(ctx context.Context, ev models.ErrorEvent) (models.RCAReport, models.EscalationAction, error)
	OpenWatch(ctx context.Context, n models.DeploymentNotification) (models.DeploymentWatch, error)
	CloseWatch(ctx context.Context, id string) (models.DeploymentWatch, error)
	WatchStatus(repository, branch string) (models.WatchStatus, error)
	RecentWatches(ctx context.Context, limit int) ([]models.DeploymentWatch, error)
	Reports(ctx context.Context, req models.ListReportsRequest) (models.ListReportsResponse, error)
	Patterns(ctx context.Context, service string, limit int) ([]models.FailurePattern, error)
	IngestAgentLogs(ctx context.Context, chunk models.AgentLogChunk) (services.AgentLogResult, error)
	LatencyP95() time.Duration
}

// LiveFeed upgrades websocket subscribers.
type LiveFeed interface {
	HandleConnect(w http.ResponseWriter, r *http.Request)
}

type Handler struct {
	svc        Incidents
	feed       LiveFeed
	deliveries cache.Provider
	cfg        config.HTTPConfig
	logger     *slog.Logger
}

// New builds the HTTP handler. deliveries dedupes webhook deliveries; nil disables dedupe.
func New(logger *slog.Logger, svc Incidents, feed LiveFeed, deliveries cache.Provider, cfg config.HTTPConfig) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deliveries == nil {
		deliveries = cache.NoopProvider{}
	}
	if cfg.DeliveryTTL <= 0 {
		cfg.DeliveryTTL = 24 * time.Hour
	}
	return &Handler{svc: svc, feed: feed, deliveries: deliveries, cfg: cfg, logger: logger}
}

// Router assembles the chi routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	origins := h.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	r.Post("/webhooks/github", h.GitHubWebhook)
	if h.feed != nil {
		r.Get("/ws", h.feed.HandleConnect)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyAuth(h.cfg.APIKeys))
		r.Post("/errors", h.IngestError)
		r.Post("/deployments", h.NotifyDeployment)
		r.Post("/agent/logs", h.IngestAgentLogs)
		r.Get("/watches", h.ListWatches)
		r.Get("/watches/status", h.WatchStatus)
		r.Post("/watches/{id}/close", h.CloseWatch)
		r.Get("/reports", h.ListReports)
		r.Get("/patterns", h.ListPatterns)
	})
	return r
}

// apiKeyAuth accepts "Authorization: Bearer <key>" or "X-API-Key". No keys disables the check.
func apiKeyAuth(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if auth := r.Header.Get("Authorization"); presented == "" && strings.HasPrefix(auth, "Bearer ") {
				presented = auth[len("Bearer "):]
			}
			for _, key := range keys {
				if presented != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"p95_ms": h.svc.LatencyP95().Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a service error onto an HTTP status.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case services.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case utils.IsNotConfigured(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}
