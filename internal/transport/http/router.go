package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"biovote/internal/platform/metrics"
	"biovote/internal/platform/middleware"
	"biovote/pkg/platform/httputil"
	"biovote/pkg/platform/middleware/metadata"
	"biovote/pkg/platform/middleware/requesttime"
)

const (
	defaultRequestTimeout = 30 * time.Second
	healthProbeTimeout    = 2 * time.Second
)

// Config carries everything the router mounts. Metrics may be nil.
type Config struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	RequestTimeout time.Duration

	Voting *VotingHandler
	Admin  *AdminHandler

	Database Pinger
	Ledger   LedgerProbe
	// Cache is the shared Redis, when configured.
	Cache Pinger
}

// NewRouter builds the full HTTP surface.
func NewRouter(cfg Config) http.Handler {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(middleware.LatencyMiddleware(cfg.Metrics))

	r.Get("/healthz", healthHandler(cfg.Database, cfg.Ledger, cfg.Cache))
	r.Handle("/metrics", metricsHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		if cfg.Voting != nil {
			cfg.Voting.Register(r)
		}
		if cfg.Admin != nil {
			cfg.Admin.Register(r)
		}
	})
	return r
}

// healthHandler reports 503 when the database is down. An unreachable ledger
// or cache only degrades the service: authentication still works.
func healthHandler(db Pinger, chain LedgerProbe, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "up", Ledger: "reachable"}
		status := http.StatusOK
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				resp.Status = "unavailable"
				resp.Database = "down"
				status = http.StatusServiceUnavailable
			}
		}
		if chain == nil || !chain.IsReachable(ctx) {
			resp.Ledger = "unreachable"
			degrade(&resp)
		}
		if cache != nil {
			resp.Cache = "up"
			if err := cache.PingContext(ctx); err != nil {
				resp.Cache = "down"
				degrade(&resp)
			}
		}
		httputil.WriteJSON(w, status, resp)
	}
}

func degrade(resp *healthResponse) {
	if resp.Status == "ok" {
		resp.Status = "degraded"
	}
}
