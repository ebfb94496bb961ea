// Package connector is the outbound HTTP runtime: it builds provider
// requests, attaches credentials, tracks rate limits, retries transient
// failures, and normalizes responses into a common envelope.
package connector

import (
	"net/http"
	"net/url"
	"time"

	"github.com/appscript-studio/engine/internal/config"
)

// Endpoint describes one concrete HTTP call a provider wants made.
type Endpoint struct {
	Method  string
	Path    string // joined to the provider base URL
	Query   url.Values
	Headers map[string]string
	// Body is JSON-encoded when non-nil.
	Body any
	// Class groups endpoints that share a provider-side rate bucket.
	// Empty means the default bucket.
	Class string
}

// RateInfo is what a provider reports about its rate bucket in response
// headers. Zero fields mean the header was absent.
type RateInfo struct {
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Page carries pagination state normalized across providers.
type Page struct {
	// NextCursor is an opaque token; empty means last page.
	NextCursor string
	// HasMore is set when the provider signals more data without a cursor.
	HasMore bool
}

// Meta is the non-data part of a normalized response envelope.
type Meta struct {
	StatusCode int       `json:"statusCode"`
	RequestID  string    `json:"requestId,omitempty"`
	RateLimit  *RateInfo `json:"-"`
	Attempts   int       `json:"attempts,omitempty"`
	Duration   int64     `json:"durationMs,omitempty"`
}

// Result is the normalized outcome of one operation call.
type Result struct {
	Data any   `json:"data"`
	Meta Meta  `json:"meta"`
	Page *Page `json:"-"`
}

// OAuthSpec describes a provider's OAuth token endpoint for refresh and
// client-credentials grants.
type OAuthSpec struct {
	TokenURL string
	AuthURL  string
	Scopes   []string
	// ClientAuthInBody sends client id/secret as form fields instead of
	// HTTP basic auth (Okta and ADP want basic, Slack wants body).
	ClientAuthInBody bool
}

// ProviderContext is the per-deployment configuration a provider needs to
// construct URLs (tenant, domain, region and similar).
type ProviderContext struct {
	config.Provider
}

// Provider adapts one SaaS API to the engine.
type Provider interface {
	Slug() string
	// BaseURL returns the API root for this deployment.
	BaseURL(pctx ProviderContext) (string, error)
	// Endpoint maps an operation id and resolved params to a concrete call.
	Endpoint(op string, params map[string]any, pctx ProviderContext) (*Endpoint, error)
	// ParseRate extracts rate limit headers; nil when the provider sent none.
	ParseRate(h http.Header) *RateInfo
	// Normalize converts a 2xx response body into envelope data plus
	// pagination state. Raw decoding is fine for providers without a
	// wrapper shape.
	Normalize(op string, status int, body []byte) (any, *Page, error)
	// OAuth returns token endpoint details, or nil for providers that only
	// use static credentials.
	OAuth(pctx ProviderContext) *OAuthSpec
}

// ErrorParser is implemented by providers whose APIs wrap errors in a
// provider-specific body shape.
type ErrorParser interface {
	ParseError(status int, body []byte) (message string, ok bool)
}

// APIKeyHeader is implemented by providers whose static API key travels in a
// nonstandard header instead of X-API-Key.
type APIKeyHeader interface {
	APIKeyHeader(key string) (name, value string)
}

// ConnectionTester is implemented by providers that expose a cheap read-only
// endpoint suitable for verifying a connection's credentials.
type ConnectionTester interface {
	TestEndpoint(pctx ProviderContext) (*Endpoint, error)
}

// Option is one pick-list entry served to the workflow editor.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// OptionsQuery describes how a pick-list handler maps onto a provider
// operation: which operation backs it and which item fields become the
// option value and label.
type OptionsQuery struct {
	Op string
	// Items names the response field holding the list. Empty when the
	// normalized data is already the list or uses a common wrapper key.
	Items string
	Value string
	Label string
}

// OptionSource is implemented by providers whose list operations feed editor
// pick-lists (channels, repos, projects).
type OptionSource interface {
	Options(handler string) (OptionsQuery, bool)
}
