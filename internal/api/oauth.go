package api

import (
	"encoding/json"
	"net/http"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

// pendingAuth is what the connect flow stores under oauth:state:<state>
// before redirecting the user to the provider.
type pendingAuth struct {
	ConnectionID  string `json:"connectionId"`
	ConnectorSlug string `json:"connectorSlug"`
	OrgID         string `json:"orgId"`
	ClientID      string `json:"clientId"`
	ClientSecret  string `json:"clientSecret"`
	TokenURL      string `json:"tokenUrl,omitempty"`
	RedirectURI   string `json:"redirectUri"`
}

// handleOAuthCallback completes an authorization-code flow. The state token
// is single-use: a processed marker is claimed with a create-only write, so
// a replayed callback cannot mint a second connection.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := r.PathValue("provider")
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, errkind.New(errkind.BadInput, "callback requires code and state"))
		return
	}

	entry, err := s.store.Get(ctx, "oauth:state:"+state)
	if err != nil {
		writeError(w, err)
		return
	}
	if entry == nil {
		writeError(w, errkind.New(errkind.NotFound, "unknown or expired state"))
		return
	}
	var pending pendingAuth
	if err := json.Unmarshal([]byte(entry.Value), &pending); err != nil {
		writeError(w, errkind.Wrap(errkind.ServerError, err, "decode pending auth"))
		return
	}
	if pending.ConnectorSlug != provider {
		writeError(w, errkind.New(errkind.BadInput, "state belongs to another provider"))
		return
	}

	// One-shot gate before touching the provider.
	ok, err := s.store.CompareAndSet(ctx, "oauth:processed:"+state, "1", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, errkind.New(errkind.DuplicateEvent, "state already processed"))
		return
	}

	conn := &store.Connection{
		ID:            pending.ConnectionID,
		ConnectorSlug: pending.ConnectorSlug,
		OrgID:         pending.OrgID,
		AuthType:      store.AuthOAuthCode,
		ClientID:      pending.ClientID,
		ClientSecret:  pending.ClientSecret,
		TokenURL:      pending.TokenURL,
	}
	oauth := s.client.OAuthSpec(provider)
	redirect := pending.RedirectURI
	if redirect == "" {
		redirect = s.callbackBaseURL + "/api/oauth/callback/" + provider
	}
	tok, err := s.creds.ExchangeCode(ctx, conn, oauth, code, redirect)
	if err != nil {
		// Free the state so the user can retry the flow after a provider
		// hiccup; successful exchanges keep it burned.
		_ = s.store.Delete(ctx, "oauth:processed:"+state)
		writeError(w, err)
		return
	}

	conn.AccessToken = tok.AccessToken
	conn.RefreshToken = tok.RefreshToken
	conn.TokenType = tok.TokenType
	conn.Scope = tok.Scope
	conn.TenantContext = tok.TenantContext
	conn.ExpiresAt.Time, conn.ExpiresAt.Valid = tok.ExpiresAt, true
	if err := s.store.PutConnection(ctx, conn); err != nil {
		writeError(w, err)
		return
	}
	_ = s.store.Delete(ctx, "oauth:state:"+state)

	s.logger.Info("oauth connection established",
		"provider", provider, "connection", conn.ID, "org", conn.OrgID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"connectionId": conn.ID,
	})
}
