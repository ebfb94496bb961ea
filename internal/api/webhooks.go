package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/scheduler"
	"github.com/appscript-studio/engine/internal/workflow"
)

// maxWebhookBody caps provider payload size.
const maxWebhookBody = 2 << 20

// handleWebhook ingests one provider event: dedup first, then admission for
// every workflow listening on the trigger. Replays return 202 with the
// original execution id. The response never echoes payload or credential
// material.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slug := r.PathValue("slug")
	triggerID := r.PathValue("trigger")

	desc, err := s.registry.Get(slug)
	if err != nil {
		writeError(w, err)
		return
	}
	op := desc.Operation(triggerID)
	if op == nil || op.Kind != "trigger" {
		writeError(w, errkind.New(errkind.UnknownOperation,
			"connector %q has no trigger %q", slug, triggerID))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, errkind.Wrap(errkind.BadInput, err, "read payload"))
		return
	}
	var payload map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			writeError(w, errkind.Wrap(errkind.BadInput, err, "payload must be JSON"))
			return
		}
	}

	eventID := extractEventID(r.Header, payload)
	if eventID == "" {
		writeError(w, errkind.New(errkind.BadInput,
			"payload carries no event id (eventId, event_id, or id)"))
		return
	}

	ttl := s.defaultDedupTTL
	if op.DedupTTL > 0 {
		ttl = op.DedupTTL
	}

	execID := uuid.NewString()
	claim, err := s.dedup.ClaimEvent(ctx, slug, triggerID, eventID, execID, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	if !claim.Fresh {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":     true,
			"executionId": claim.ExecutionID,
			"duplicate":   true,
		})
		return
	}

	records, err := s.store.FindTriggerWorkflows(ctx, slug, triggerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(records) == 0 {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":     true,
			"executionId": "",
			"matched":     0,
		})
		return
	}

	correlationID := uuid.NewString()
	var executionIDs []string
	var firstErr error
	for i, rec := range records {
		g, err := workflow.Parse([]byte(rec.Definition), s.registry)
		if err != nil {
			s.logger.Error("stored workflow no longer valid",
				"workflow", rec.ID, "error", err)
			continue
		}
		sub := scheduler.Submission{
			WorkflowID:     rec.ID,
			OrgID:          rec.OrgID,
			UserID:         rec.OwnerID,
			Graph:          g,
			TriggerEventID: eventID,
			CorrelationID:  correlationID,
			ConnectorSlug:  slug,
			TriggerOutput:  payload,
		}
		if i == 0 {
			// The dedup claim already names this id.
			sub.ExecutionID = execID
		}
		out, err := s.scheduler.Submit(ctx, sub)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("submission rejected",
				"workflow", rec.ID, "kind", errkind.KindOf(err))
			continue
		}
		executionIDs = append(executionIDs, out.ExecutionID)
	}

	if len(executionIDs) == 0 {
		writeError(w, firstErr)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"executionId":  executionIDs[0],
		"executionIds": executionIDs,
	})
}

// extractEventID finds the provider's event identity: a delivery header when
// present, else well-known payload keys.
func extractEventID(h http.Header, payload map[string]any) string {
	for _, name := range []string{"X-Event-Id", "X-GitHub-Delivery"} {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	for _, key := range []string{"eventId", "event_id", "id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
