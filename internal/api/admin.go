package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/registry"
	"github.com/appscript-studio/engine/internal/store"
)

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	f := registry.Filter{
		Marketplace: r.URL.Query().Get("marketplace") == "true",
		Stage:       registry.Stage(r.URL.Query().Get("stage")),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"connectors": s.registry.List(f),
	})
}

func (s *Server) handlePatchRollout(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	var patch registry.RolloutPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	desc, changed, err := s.registry.PatchRollout(r.Context(), slug, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"changed":   changed,
		"connector": desc,
	})
}

// limitsBody is the execution-limits payload, GET response and POST request.
type limitsBody struct {
	MaxConcurrent   int  `json:"maxConcurrent"`
	MaxPerMinute    int  `json:"maxPerMinute"`
	MaxPerMonth     int  `json:"maxPerMonth"`
	BetaOptIn       bool `json:"betaOptIn"`
	PeriodAnchorDay int  `json:"periodAnchorDay,omitempty"`
}

func (s *Server) handleGetLimits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	org, err := s.store.GetOrganization(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if org == nil {
		writeError(w, errkind.New(errkind.NotFound, "organization %q has no explicit limits", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"limits": limitsBody{
			MaxConcurrent:   org.MaxConcurrent,
			MaxPerMinute:    org.MaxPerMinute,
			MaxPerMonth:     org.MaxPerMonth,
			BetaOptIn:       org.BetaOptIn,
			PeriodAnchorDay: org.PeriodAnchorDay,
		},
	})
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body limitsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.MaxConcurrent < 0 || body.MaxPerMinute < 0 || body.MaxPerMonth < 0 {
		writeError(w, errkind.New(errkind.BadInput, "limits must be non-negative"))
		return
	}
	if body.PeriodAnchorDay < 0 || body.PeriodAnchorDay > 28 {
		writeError(w, errkind.New(errkind.BadInput, "periodAnchorDay must be 0..28"))
		return
	}
	org := &store.Organization{
		ID:              id,
		MaxConcurrent:   body.MaxConcurrent,
		MaxPerMinute:    body.MaxPerMinute,
		MaxPerMonth:     body.MaxPerMonth,
		BetaOptIn:       body.BetaOptIn,
		PeriodAnchorDay: body.PeriodAnchorDay,
	}
	if err := s.store.PutOrganization(r.Context(), org); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period := q.Get("period")
	if period == "" {
		period = store.PeriodKey(time.Now(), 0)
	}
	switch q.Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="usage-`+period+`.csv"`)
		if err := s.ledger.ExportCSV(r.Context(), w, period); err != nil {
			s.logger.Error("usage export", "error", err)
		}
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		if err := s.ledger.ExportJSON(r.Context(), w, period); err != nil {
			s.logger.Error("usage export", "error", err)
		}
	default:
		writeError(w, errkind.New(errkind.BadInput, "format must be json or csv"))
	}
}

func (s *Server) handleUsageAlerts(w http.ResponseWriter, r *http.Request) {
	minPct := 0
	if t := r.URL.Query().Get("threshold"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 || n > 100 {
			writeError(w, errkind.New(errkind.BadInput, "threshold must be 0..100"))
			return
		}
		minPct = n
	}
	alerts, err := s.store.ListAlerts(r.Context(), minPct)
	if err != nil {
		writeError(w, err)
		return
	}
	type alertBody struct {
		UserID    string    `json:"userId"`
		QuotaType string    `json:"quotaType"`
		Bucket    string    `json:"bucket"`
		AlertType string    `json:"alertType"`
		Pct       int       `json:"pct"`
		CreatedAt time.Time `json:"createdAt"`
	}
	out := make([]alertBody, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertBody(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "alerts": out})
}
