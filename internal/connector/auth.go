package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

// CredentialManager resolves the credential material a request needs,
// refreshing OAuth tokens ahead of expiry. Concurrent refreshes for the same
// connection are coalesced, and persistence goes through a version check so
// that two engine processes sharing a database never clobber each other's
// refresh.
type CredentialManager struct {
	store       *store.Store
	http        *http.Client
	logger      *slog.Logger
	refreshSkew time.Duration
	group       singleflight.Group
}

// NewCredentialManager builds a manager. refreshSkew is how long before
// expiry a token is treated as stale.
func NewCredentialManager(st *store.Store, hc *http.Client, skew time.Duration, logger *slog.Logger) *CredentialManager {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &CredentialManager{store: st, http: hc, logger: logger, refreshSkew: skew}
}

// Authorize attaches credentials for conn to req, refreshing first when the
// auth type is OAuth and the token is stale. Returns the connection actually
// used, which may carry a newer token than the one passed in.
func (m *CredentialManager) Authorize(ctx context.Context, req *http.Request, conn *store.Connection, oauth *OAuthSpec) (*store.Connection, error) {
	switch conn.AuthType {
	case store.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	case store.AuthBasic:
		req.SetBasicAuth(conn.Username, conn.Secret)
	case store.AuthAPIKeyHeader:
		req.Header.Set("X-API-Key", conn.APIKey)
	case store.AuthSSWS:
		req.Header.Set("Authorization", "SSWS "+conn.APIKey)
	case store.AuthOAuthCode, store.AuthClientCredentials:
		fresh, err := m.Token(ctx, conn, oauth)
		if err != nil {
			return nil, err
		}
		conn = fresh
		tt := conn.TokenType
		if tt == "" {
			tt = "Bearer"
		}
		req.Header.Set("Authorization", tt+" "+conn.AccessToken)
	case store.AuthSignedRequest:
		// Signing happens in the provider, which needs the raw secret.
	default:
		return nil, errkind.New(errkind.AuthInvalid, "connection %s: unknown auth type %q", conn.ID, conn.AuthType)
	}
	return conn, nil
}

// Token returns a connection whose access token is valid for at least the
// refresh skew, refreshing if needed.
func (m *CredentialManager) Token(ctx context.Context, conn *store.Connection, oauth *OAuthSpec) (*store.Connection, error) {
	if !conn.RequiresRefresh() || !m.stale(conn) {
		return conn, nil
	}

	v, err, _ := m.group.Do(conn.ID, func() (any, error) {
		// Reload inside the flight: a concurrent caller may have refreshed
		// and bumped the version while we waited.
		cur, err := m.store.GetConnection(ctx, conn.ID)
		if err != nil {
			return nil, errkind.Wrap(errkind.NotFound, err, "load connection")
		}
		if !m.stale(cur) {
			return cur, nil
		}
		return m.refresh(ctx, cur, oauth)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Connection), nil
}

// ForceRefresh discards the current token and refreshes now. Used after a
// 401 on a token the store considered valid.
func (m *CredentialManager) ForceRefresh(ctx context.Context, conn *store.Connection, oauth *OAuthSpec) (*store.Connection, error) {
	if !conn.RequiresRefresh() {
		return nil, errkind.New(errkind.AuthInvalid,
			"connection %s: credential rejected by provider", conn.ID)
	}
	v, err, _ := m.group.Do(conn.ID+"/force", func() (any, error) {
		cur, err := m.store.GetConnection(ctx, conn.ID)
		if err != nil {
			return nil, errkind.Wrap(errkind.NotFound, err, "load connection")
		}
		if cur.TokenVersion != conn.TokenVersion {
			// Someone already replaced the token we saw fail.
			return cur, nil
		}
		return m.refresh(ctx, cur, oauth)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Connection), nil
}

func (m *CredentialManager) stale(conn *store.Connection) bool {
	if conn.AccessToken == "" {
		return true
	}
	if !conn.ExpiresAt.Valid {
		return false
	}
	return time.Now().Add(m.refreshSkew).After(conn.ExpiresAt.Time)
}

func (m *CredentialManager) refresh(ctx context.Context, conn *store.Connection, oauth *OAuthSpec) (*store.Connection, error) {
	tokenURL := conn.TokenURL
	if tokenURL == "" && oauth != nil {
		tokenURL = oauth.TokenURL
	}
	if tokenURL == "" {
		return nil, errkind.New(errkind.TokenRefreshFailed,
			"connection %s: no token endpoint configured", conn.ID)
	}

	form := url.Values{}
	switch conn.AuthType {
	case store.AuthOAuthCode:
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", conn.RefreshToken)
	case store.AuthClientCredentials:
		form.Set("grant_type", "client_credentials")
		if oauth != nil && len(oauth.Scopes) > 0 && conn.Scope == "" {
			form.Set("scope", strings.Join(oauth.Scopes, " "))
		} else if conn.Scope != "" {
			form.Set("scope", conn.Scope)
		}
	}

	inBody := oauth != nil && oauth.ClientAuthInBody
	if inBody {
		form.Set("client_id", conn.ClientID)
		form.Set("client_secret", conn.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if !inBody {
		req.Header.Set("Authorization", "Basic "+
			base64.StdEncoding.EncodeToString([]byte(conn.ClientID+":"+conn.ClientSecret)))
	}

	start := time.Now()
	res, err := m.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "token endpoint unreachable")
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "read token response")
	}
	if res.StatusCode != http.StatusOK {
		kind := errkind.TokenRefreshFailed
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			// Revoked or invalid grant: not retryable, the connection needs
			// re-authorization by a human.
			kind = errkind.AuthInvalid
		}
		return nil, errkind.New(kind, "token endpoint returned %d: %s",
			res.StatusCode, truncate(tokenErrorCode(body), 200))
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		Tenant       string `json:"tenant"`
		Context      string `json:"context"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "decode token response")
	}
	if tr.AccessToken == "" {
		return nil, errkind.New(errkind.TokenRefreshFailed, "token response missing access_token")
	}

	tok := store.RefreshedToken{
		AccessToken:   tr.AccessToken,
		RefreshToken:  tr.RefreshToken,
		TokenType:     tr.TokenType,
		Scope:         tr.Scope,
		TenantContext: tenantContext(tr.Tenant, tr.Context),
		ExpiresAt:     time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	if tr.ExpiresIn == 0 {
		tok.ExpiresAt = time.Now().UTC().Add(time.Hour)
	}

	ok, err := m.store.CompareAndSetToken(ctx, conn.ID, conn.TokenVersion, tok)
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "persist refreshed token")
	}
	if !ok {
		// Lost the version race: another process refreshed. Use theirs.
		cur, err := m.store.GetConnection(ctx, conn.ID)
		if err != nil {
			return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "reload connection after version conflict")
		}
		return cur, nil
	}
	if m.logger != nil {
		m.logger.Info("token refreshed",
			"connection", conn.ID, "connector", conn.ConnectorSlug,
			"expires_at", tok.ExpiresAt, "took", time.Since(start))
	}
	return m.store.GetConnection(ctx, conn.ID)
}

// ExchangeCode redeems an authorization code for token material. The
// connection supplies client credentials and the token endpoint; the token
// is returned, not persisted, so callers can create the connection row.
func (m *CredentialManager) ExchangeCode(ctx context.Context, conn *store.Connection, oauth *OAuthSpec, code, redirectURI string) (*store.RefreshedToken, error) {
	tokenURL := conn.TokenURL
	if tokenURL == "" && oauth != nil {
		tokenURL = oauth.TokenURL
	}
	if tokenURL == "" {
		return nil, errkind.New(errkind.BadInput, "no token endpoint configured for code exchange")
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	inBody := oauth != nil && oauth.ClientAuthInBody
	if inBody {
		form.Set("client_id", conn.ClientID)
		form.Set("client_secret", conn.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "build exchange request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if !inBody {
		req.Header.Set("Authorization", "Basic "+
			base64.StdEncoding.EncodeToString([]byte(conn.ClientID+":"+conn.ClientSecret)))
	}

	res, err := m.http.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "token endpoint unreachable")
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "read token response")
	}
	if res.StatusCode != http.StatusOK {
		return nil, errkind.New(errkind.AuthInvalid, "code exchange returned %d: %s",
			res.StatusCode, truncate(tokenErrorCode(body), 200))
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		TokenType    string `json:"token_type"`
		Scope        string `json:"scope"`
		Tenant       string `json:"tenant"`
		Context      string `json:"context"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, errkind.Wrap(errkind.TokenRefreshFailed, err, "decode token response")
	}
	if tr.AccessToken == "" {
		return nil, errkind.New(errkind.TokenRefreshFailed, "token response missing access_token")
	}
	tok := &store.RefreshedToken{
		AccessToken:   tr.AccessToken,
		RefreshToken:  tr.RefreshToken,
		TokenType:     tr.TokenType,
		Scope:         tr.Scope,
		TenantContext: tenantContext(tr.Tenant, tr.Context),
		ExpiresAt:     time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	if tr.ExpiresIn == 0 {
		tok.ExpiresAt = time.Now().UTC().Add(time.Hour)
	}
	return tok, nil
}

// tenantContext picks the tenant identifier some token endpoints include in
// their responses (ADP "context", Workday "tenant"). Empty when the endpoint
// sent neither.
func tenantContext(tenant, context string) string {
	if tenant != "" {
		return tenant
	}
	return context
}

// tokenErrorCode extracts the OAuth error code from an error response body
// so logs never carry token material.
func tokenErrorCode(body []byte) string {
	var e struct {
		Error string `json:"error"`
		Desc  string `json:"error_description"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Desc != "" {
			return fmt.Sprintf("%s (%s)", e.Error, e.Desc)
		}
		return e.Error
	}
	return "unrecognized error body"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
