// Package usage maintains the metering ledger: per-user, per-billing-period
// counters fed by execution events, threshold alerts with coalescing, and
// CSV/JSON export for billing.
package usage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/appscript-studio/engine/internal/events"
	"github.com/appscript-studio/engine/internal/store"
)

// Ledger subscribes to the event bus and applies usage deltas.
type Ledger struct {
	store        *store.Store
	bus          *events.Bus
	logger       *slog.Logger
	thresholdPct int
	alertBucket  time.Duration
}

// Options wires a Ledger.
type Options struct {
	Store        *store.Store
	Bus          *events.Bus
	Logger       *slog.Logger
	ThresholdPct int
	AlertBucket  time.Duration
}

func New(opts Options) *Ledger {
	l := &Ledger{
		store:        opts.Store,
		bus:          opts.Bus,
		logger:       opts.Logger,
		thresholdPct: opts.ThresholdPct,
		alertBucket:  opts.AlertBucket,
	}
	if l.thresholdPct <= 0 {
		l.thresholdPct = 80
	}
	if l.alertBucket <= 0 {
		l.alertBucket = time.Hour
	}
	return l
}

// Handle is the bus subscriber. Counter writes happen inline; they are one
// sqlite upsert each.
func (l *Ledger) Handle(e events.Event) {
	if e.Type != events.UsageRecorded || len(e.Counters) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	org, err := l.store.GetOrganization(ctx, e.OrgID)
	if err != nil {
		l.logger.Error("load org for usage", "org", e.OrgID, "error", err)
		return
	}
	anchor := 0
	if org != nil {
		anchor = org.PeriodAnchorDay
	}
	period := store.PeriodKey(e.At, anchor)

	delta := store.UsageDelta{
		APICalls:     e.Counters["api_calls"],
		TokensUsed:   e.Counters["tokens_used"],
		WorkflowRuns: e.Counters["workflow_runs"],
		StorageBytes: e.Counters["storage_bytes"],
		CostMicros:   e.Counters["cost_micros"],
	}
	if err := l.store.AddUsage(ctx, e.OrgID, e.UserID, period, delta); err != nil {
		l.logger.Error("apply usage delta", "org", e.OrgID, "user", e.UserID, "error", err)
		return
	}
	l.checkThresholds(ctx, org, e.OrgID, e.UserID, period)
}

// checkThresholds emits a quota alert when a counter crosses the threshold
// of its monthly limit. Alerts coalesce per (user, quotaType, time bucket):
// only the first crossing in a bucket notifies.
func (l *Ledger) checkThresholds(ctx context.Context, org *store.Organization, orgID, userID, period string) {
	if org == nil || org.MaxPerMonth <= 0 {
		return
	}
	u, err := l.store.GetUsage(ctx, orgID, userID, period)
	if err != nil {
		l.logger.Error("read usage for thresholds", "org", orgID, "error", err)
		return
	}

	pct := int(u.WorkflowRuns * 100 / int64(org.MaxPerMonth))
	if pct < l.thresholdPct {
		return
	}
	alertType := "approaching_limit"
	if pct >= 100 {
		alertType = "limit_exceeded"
	}

	bucket := time.Now().UTC().Truncate(l.alertBucket).Format(time.RFC3339)
	fresh, err := l.store.RecordAlert(ctx, userID, "workflow_runs", bucket, alertType, pct)
	if err != nil {
		l.logger.Error("record alert", "user", userID, "error", err)
		return
	}
	if !fresh {
		return // coalesced into an alert already sent this bucket
	}
	l.bus.Publish(events.Event{
		Type: events.QuotaAlert, OrgID: orgID, UserID: userID,
		Detail: map[string]any{
			"quotaType": "workflow_runs",
			"alertType": alertType,
			"pct":       pct,
			"period":    period,
		},
	})
	l.logger.Warn("quota alert", "org", orgID, "user", userID, "pct", pct, "type", alertType)
}

// RunSweeper periodically removes expired dedup claims and other
// time-bounded rows. Blocks until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration, sweep func(context.Context) (int64, error)) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := sweep(ctx)
			if err != nil {
				l.logger.Error("sweep", "error", err)
			} else if n > 0 {
				l.logger.Debug("sweep removed expired rows", "count", n)
			}
		}
	}
}

// exportRow is one user's counters for the period. Both export formats are
// projections of the same rows.
type exportRow struct {
	OrgID               string `json:"orgId"`
	UserID              string `json:"userId"`
	Period              string `json:"period"`
	APICalls            int64  `json:"apiCalls"`
	TokensUsed          int64  `json:"tokensUsed"`
	WorkflowRuns        int64  `json:"workflowRuns"`
	StorageBytes        int64  `json:"storageBytes"`
	EstimatedCostMicros int64  `json:"estimatedCostMicros"`
}

// exportSummary totals the rows of one export.
type exportSummary struct {
	Period              string `json:"period"`
	Users               int    `json:"users"`
	APICalls            int64  `json:"apiCalls"`
	TokensUsed          int64  `json:"tokensUsed"`
	WorkflowRuns        int64  `json:"workflowRuns"`
	StorageBytes        int64  `json:"storageBytes"`
	EstimatedCostMicros int64  `json:"estimatedCostMicros"`
}

func (l *Ledger) exportData(ctx context.Context, period string) ([]exportRow, exportSummary, error) {
	rows, err := l.store.ListUsage(ctx, period)
	if err != nil {
		return nil, exportSummary{}, err
	}
	out := make([]exportRow, 0, len(rows))
	sum := exportSummary{Period: period, Users: len(rows)}
	for _, u := range rows {
		out = append(out, exportRow{
			OrgID: u.OrgID, UserID: u.UserID, Period: u.Period,
			APICalls: u.APICalls, TokensUsed: u.TokensUsed,
			WorkflowRuns: u.WorkflowRuns, StorageBytes: u.StorageBytes,
			EstimatedCostMicros: u.CostMicros,
		})
		sum.APICalls += u.APICalls
		sum.TokensUsed += u.TokensUsed
		sum.WorkflowRuns += u.WorkflowRuns
		sum.StorageBytes += u.StorageBytes
		sum.EstimatedCostMicros += u.CostMicros
	}
	return out, sum, nil
}

// ExportJSON writes the period's counters as {"rows": [...], "summary": {...}}.
func (l *Ledger) ExportJSON(ctx context.Context, w io.Writer, period string) error {
	rows, sum, err := l.exportData(ctx, period)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"rows": rows, "summary": sum})
}

// ExportCSV writes the same rows as CSV: a header, one line per user, and a
// trailing summary line with the totals.
func (l *Ledger) ExportCSV(ctx context.Context, w io.Writer, period string) error {
	rows, sum, err := l.exportData(ctx, period)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"org_id", "user_id", "period", "api_calls", "tokens_used", "workflow_runs", "storage_bytes", "estimated_cost_micros"}); err != nil {
		return err
	}
	for _, u := range rows {
		rec := []string{
			u.OrgID, u.UserID, u.Period,
			strconv.FormatInt(u.APICalls, 10),
			strconv.FormatInt(u.TokensUsed, 10),
			strconv.FormatInt(u.WorkflowRuns, 10),
			strconv.FormatInt(u.StorageBytes, 10),
			strconv.FormatInt(u.EstimatedCostMicros, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"summary", "", sum.Period,
		strconv.FormatInt(sum.APICalls, 10),
		strconv.FormatInt(sum.TokensUsed, 10),
		strconv.FormatInt(sum.WorkflowRuns, 10),
		strconv.FormatInt(sum.StorageBytes, 10),
		strconv.FormatInt(sum.EstimatedCostMicros, 10),
	}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
