// Package api is the HTTP surface: webhook ingestion, admin connector
// rollout, organization limits, usage export and alerts, runs search, OAuth
// callback, plus health and metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appscript-studio/engine/internal/config"
	"github.com/appscript-studio/engine/internal/connector"
	"github.com/appscript-studio/engine/internal/dedup"
	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/registry"
	"github.com/appscript-studio/engine/internal/scheduler"
	"github.com/appscript-studio/engine/internal/store"
	"github.com/appscript-studio/engine/internal/usage"
)

// Server holds the handler dependencies.
type Server struct {
	store     *store.Store
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	ledger    *usage.Ledger
	dedup     dedup.Store
	creds     *connector.CredentialManager
	client    *connector.Client
	logger    *slog.Logger

	defaultDedupTTL time.Duration
	callbackBaseURL string
	startedAt       time.Time
}

// Options wires a Server.
type Options struct {
	Store           *store.Store
	Registry        *registry.Registry
	Scheduler       *scheduler.Scheduler
	Ledger          *usage.Ledger
	Dedup           dedup.Store
	Credentials     *connector.CredentialManager
	Client          *connector.Client
	Logger          *slog.Logger
	DedupDefaultTTL time.Duration
	OAuth           config.OAuth
	Prometheus      prometheus.Gatherer
}

// New builds the server and its mux.
func New(opts Options) (*Server, *http.ServeMux) {
	s := &Server{
		store:           opts.Store,
		registry:        opts.Registry,
		scheduler:       opts.Scheduler,
		ledger:          opts.Ledger,
		dedup:           opts.Dedup,
		creds:           opts.Credentials,
		client:          opts.Client,
		logger:          opts.Logger,
		defaultDedupTTL: opts.DedupDefaultTTL,
		callbackBaseURL: opts.OAuth.CallbackBaseURL,
		startedAt:       time.Now(),
	}
	if s.defaultDedupTTL <= 0 {
		s.defaultDedupTTL = 7 * 24 * time.Hour
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Prometheus, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/webhooks/{slug}/{trigger}", s.handleWebhook)

	mux.HandleFunc("GET /api/admin/connectors", s.handleListConnectors)
	mux.HandleFunc("PATCH /api/admin/connectors/{slug}/rollout", s.handlePatchRollout)
	mux.HandleFunc("GET /api/admin/organizations/{id}/execution-limits", s.handleGetLimits)
	mux.HandleFunc("POST /api/admin/organizations/{id}/execution-limits", s.handleSetLimits)

	mux.HandleFunc("GET /api/usage/export", s.handleUsageExport)
	mux.HandleFunc("GET /api/usage/alerts", s.handleUsageAlerts)

	mux.HandleFunc("GET /api/runs/search", s.handleRunsSearch)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /api/oauth/callback/{provider}", s.handleOAuthCallback)
	return s, mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"uptime":  time.Since(s.startedAt).Truncate(time.Second).String(),
		"queue":   s.scheduler.Depth(),
		"running": s.scheduler.RunningCount(),
	})
}

// writeJSON emits the response envelope. Callers include "success".
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an engine error onto a status code and the error envelope.
// The envelope never includes wrapped internals or credential material.
func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	status := statusFor(kind)
	body := map[string]any{
		"success": false,
		"error": map[string]any{
			"kind":    string(kind),
			"message": publicMessage(err),
		},
	}
	if e := errkind.AsError(err); e != nil {
		if e.RetryAfter > 0 {
			w.Header().Set("Retry-After", formatSeconds(e.RetryAfter))
		}
		if len(e.Data) > 0 {
			body["error"].(map[string]any)["data"] = e.Data
		}
	}
	writeJSON(w, status, body)
}

func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.BadInput, errkind.SchemaViolation:
		return http.StatusBadRequest
	case errkind.AuthInvalid, errkind.TokenRefreshFailed:
		return http.StatusUnauthorized
	case errkind.Forbidden, errkind.BetaNotEnabled:
		return http.StatusForbidden
	case errkind.NotFound, errkind.UnknownOperation:
		return http.StatusNotFound
	case errkind.ConnectorSunset:
		return http.StatusGone
	case errkind.DuplicateEvent:
		return http.StatusConflict
	case errkind.RateLimited, errkind.RateExceeded,
		errkind.QuotaExceeded, errkind.ConcurrentExceeded, errkind.BudgetExceeded:
		return http.StatusTooManyRequests
	case errkind.Timeout, errkind.QueueTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns the outward-safe message: engine errors carry their
// own message, anything else is masked.
func publicMessage(err error) string {
	if e := errkind.AsError(err); e != nil {
		return e.Message
	}
	return "internal error"
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// decodeBody reads a JSON request body into dst with a size cap.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errkind.Wrap(errkind.BadInput, err, "invalid JSON body")
	}
	return nil
}
