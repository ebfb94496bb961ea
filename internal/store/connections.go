package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Connection auth types.
const (
	AuthBearer            = "bearer"
	AuthBasic             = "basic"
	AuthOAuthCode         = "oauth2-code"
	AuthClientCredentials = "oauth2-client-credentials"
	AuthAPIKeyHeader      = "api-key-header"
	AuthSSWS              = "ssws"
	AuthSignedRequest     = "signed-request"
)

// Connection is a stored credential bundle for one connector+organization.
// Workflow execution never mutates a connection except through the token
// refresh protocol, which goes through CompareAndSetToken.
type Connection struct {
	ID              string
	ConnectorSlug   string
	OrgID           string
	AuthType        string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       sql.NullTime
	TokenType       string
	Scope           string
	ClientID        string
	ClientSecret    string
	Username        string
	Secret          string
	APIKey          string
	TokenURL        string
	TenantContext   string
	BaseURLOverride string
	TokenVersion    int64
}

// RequiresRefresh reports whether this connection's auth type participates in
// the OAuth refresh protocol.
func (c *Connection) RequiresRefresh() bool {
	return c.AuthType == AuthOAuthCode || c.AuthType == AuthClientCredentials
}

// Validate enforces the credential invariants for the auth type.
func (c *Connection) Validate() error {
	switch c.AuthType {
	case AuthOAuthCode:
		if c.RefreshToken == "" || c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("connection %s: oauth2-code requires refresh_token, client_id, client_secret", c.ID)
		}
	case AuthClientCredentials:
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("connection %s: client-credentials requires client_id, client_secret", c.ID)
		}
	case AuthBasic:
		if c.Username == "" || c.Secret == "" {
			return fmt.Errorf("connection %s: basic requires username and secret", c.ID)
		}
	case AuthBearer:
		if c.AccessToken == "" {
			return fmt.Errorf("connection %s: bearer requires access_token", c.ID)
		}
	case AuthSSWS, AuthAPIKeyHeader:
		if c.APIKey == "" {
			return fmt.Errorf("connection %s: %s requires api_key", c.ID, c.AuthType)
		}
	case AuthSignedRequest:
	default:
		return fmt.Errorf("connection %s: unknown auth type %q", c.ID, c.AuthType)
	}
	return nil
}

const connectionColumns = `id, connector_slug, org_id, auth_type, access_token, refresh_token,
	expires_at, token_type, scope, client_id, client_secret, username, secret, api_key,
	token_url, tenant_context, base_url_override, token_version`

// PutConnection inserts or replaces a connection.
func (s *Store) PutConnection(ctx context.Context, c *Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			connector_slug = excluded.connector_slug, org_id = excluded.org_id,
			auth_type = excluded.auth_type, access_token = excluded.access_token,
			refresh_token = excluded.refresh_token, expires_at = excluded.expires_at,
			token_type = excluded.token_type, scope = excluded.scope,
			client_id = excluded.client_id, client_secret = excluded.client_secret,
			username = excluded.username, secret = excluded.secret,
			api_key = excluded.api_key, token_url = excluded.token_url,
			tenant_context = excluded.tenant_context,
			base_url_override = excluded.base_url_override,
			updated_at = datetime('now')`,
		c.ID, c.ConnectorSlug, c.OrgID, c.AuthType, c.AccessToken, c.RefreshToken,
		c.ExpiresAt, c.TokenType, c.Scope, c.ClientID, c.ClientSecret,
		c.Username, c.Secret, c.APIKey, c.TokenURL, c.TenantContext, c.BaseURLOverride)
	if err != nil {
		return fmt.Errorf("put connection %s: %w", c.ID, err)
	}
	return nil
}

// GetConnection loads one connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row, id)
}

// FindConnection looks up the connection for a connector within an
// organization. Workflows reference connections this way at run time.
func (s *Store) FindConnection(ctx context.Context, orgID, connectorSlug string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE org_id = ? AND connector_slug = ?
		ORDER BY updated_at DESC LIMIT 1`, orgID, connectorSlug)
	return scanConnection(row, orgID+"/"+connectorSlug)
}

// DeleteConnection removes a connection.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	return nil
}

// RefreshedToken is the result of a successful OAuth refresh.
type RefreshedToken struct {
	AccessToken   string
	RefreshToken  string // empty keeps the existing one
	ExpiresAt     time.Time
	TokenType     string
	Scope         string
	TenantContext string // empty keeps the existing one
}

// CompareAndSetToken installs refreshed token material only if the stored
// token version still matches expected. Returns false without error on a
// version conflict, which means another process refreshed first.
func (s *Store) CompareAndSetToken(ctx context.Context, id string, expected int64, tok RefreshedToken) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET
			access_token = ?,
			refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
			expires_at = ?,
			token_type = CASE WHEN ? != '' THEN ? ELSE token_type END,
			scope = CASE WHEN ? != '' THEN ? ELSE scope END,
			tenant_context = CASE WHEN ? != '' THEN ? ELSE tenant_context END,
			token_version = token_version + 1,
			updated_at = datetime('now')
		WHERE id = ? AND token_version = ?`,
		tok.AccessToken,
		tok.RefreshToken, tok.RefreshToken,
		tok.ExpiresAt.UTC(),
		tok.TokenType, tok.TokenType,
		tok.Scope, tok.Scope,
		tok.TenantContext, tok.TenantContext,
		id, expected)
	if err != nil {
		return false, fmt.Errorf("cas token %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas token %s: %w", id, err)
	}
	return n > 0, nil
}

func scanConnection(row *sql.Row, ref string) (*Connection, error) {
	var c Connection
	if err := row.Scan(
		&c.ID, &c.ConnectorSlug, &c.OrgID, &c.AuthType, &c.AccessToken, &c.RefreshToken,
		&c.ExpiresAt, &c.TokenType, &c.Scope, &c.ClientID, &c.ClientSecret,
		&c.Username, &c.Secret, &c.APIKey, &c.TokenURL, &c.TenantContext,
		&c.BaseURLOverride, &c.TokenVersion,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("connection %q: not found", ref)
		}
		return nil, fmt.Errorf("scan connection %q: %w", ref, err)
	}
	return &c, nil
}
