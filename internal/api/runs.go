package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

func (s *Server) handleRunsSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := store.ExecutionSearch{
		Status:    q.Get("status"),
		Connector: q.Get("connector"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errkind.New(errkind.BadInput, "from must be RFC3339"))
			return
		}
		search.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, errkind.New(errkind.BadInput, "to must be RFC3339"))
			return
		}
		search.To = t
	}
	if v := q.Get("page"); v != "" {
		search.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("pageSize"); v != "" {
		search.PageSize, _ = strconv.Atoi(v)
	}

	execs, total, facets, err := s.store.SearchExecutions(r.Context(), search)
	if err != nil {
		writeError(w, err)
		return
	}
	page, pageSize := search.Page, search.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"runs":    execsJSON(execs),
		"facets": map[string]any{
			"status":    facets.Status,
			"connector": facets.Connector,
		},
		"paging": map[string]any{
			"total":    total,
			"page":     page,
			"pageSize": pageSize,
			"hasMore":  page*pageSize < total,
		},
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.NotFound, err, "run %q", id))
		return
	}
	nodes, err := s.store.NodeExecutions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	type nodeBody struct {
		NodeID     string `json:"nodeId"`
		Status     string `json:"status"`
		Attempts   int    `json:"attempts"`
		ErrorKind  string `json:"errorKind,omitempty"`
		Error      string `json:"error,omitempty"`
		DurationMS int64  `json:"durationMs"`
	}
	nb := make([]nodeBody, 0, len(nodes))
	for _, n := range nodes {
		nb = append(nb, nodeBody{
			NodeID: n.NodeID, Status: n.Status, Attempts: n.Attempts,
			ErrorKind: n.ErrorKind, Error: n.Error, DurationMS: n.DurationMS,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"run":     execJSON(exec),
		"nodes":   nb,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

type execBody struct {
	ID             string   `json:"id"`
	WorkflowID     string   `json:"workflowId"`
	OrgID          string   `json:"orgId"`
	UserID         string   `json:"userId"`
	Status         string   `json:"status"`
	Connector      string   `json:"connector,omitempty"`
	ErrorKind      string   `json:"errorKind,omitempty"`
	CorrelationID  string   `json:"correlationId,omitempty"`
	TotalNodes     int      `json:"totalNodes"`
	CompletedNodes int      `json:"completedNodes"`
	FailedNodes    int      `json:"failedNodes"`
	SkippedNodes   int      `json:"skippedNodes"`
	Tags           []string `json:"tags,omitempty"`
	StartedAt      string   `json:"startedAt"`
	EndedAt        string   `json:"endedAt,omitempty"`
}

func execJSON(e *store.Execution) execBody {
	b := execBody{
		ID: e.ID, WorkflowID: e.WorkflowID, OrgID: e.OrgID, UserID: e.UserID,
		Status: e.Status, Connector: e.ConnectorSlug, ErrorKind: e.ErrorKind,
		CorrelationID: e.CorrelationID, TotalNodes: e.TotalNodes,
		CompletedNodes: e.CompletedNodes, FailedNodes: e.FailedNodes,
		SkippedNodes: e.SkippedNodes, Tags: e.Tags,
		StartedAt: e.StartedAt.UTC().Format(time.RFC3339),
	}
	if e.EndedAt.Valid {
		b.EndedAt = e.EndedAt.Time.UTC().Format(time.RFC3339)
	}
	return b
}

func execsJSON(execs []store.Execution) []execBody {
	out := make([]execBody, 0, len(execs))
	for i := range execs {
		out = append(out, execJSON(&execs[i]))
	}
	return out
}
