package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/appscript-studio/engine/internal/config"
	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

// maxResponseBody caps how much of a provider response is read. Providers
// with larger payloads paginate.
const maxResponseBody = 8 << 20

type correlationKey struct{}

// WithCorrelationID stamps the execution's correlation id on ctx so every
// outbound provider request carries it as X-Correlation-Id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Client executes connector operations over HTTP. One client serves all
// providers and connections.
type Client struct {
	http      *http.Client
	creds     *CredentialManager
	rates     *RateTracker
	retry     RetryPolicy
	opTimeout time.Duration
	providers map[string]Provider
	pctx      map[string]ProviderContext
	logger    *slog.Logger
}

// Options configures a Client.
type Options struct {
	HTTPClient       *http.Client
	Credentials      *CredentialManager
	Rates            *RateTracker
	Retry            RetryPolicy
	OperationTimeout time.Duration
	// ProviderConfig supplies per-deployment context (tenant, domain) keyed
	// by connector slug.
	ProviderConfig map[string]config.Provider
	Logger         *slog.Logger
}

// NewClient builds a client over the given providers.
func NewClient(providers []Provider, opts Options) *Client {
	c := &Client{
		http:      opts.HTTPClient,
		creds:     opts.Credentials,
		rates:     opts.Rates,
		retry:     opts.Retry,
		opTimeout: opts.OperationTimeout,
		providers: make(map[string]Provider, len(providers)),
		pctx:      make(map[string]ProviderContext),
		logger:    opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.retry.MaxAttempts == 0 {
		c.retry = DefaultRetryPolicy
	}
	if c.opTimeout == 0 {
		c.opTimeout = 30 * time.Second
	}
	for _, p := range providers {
		c.providers[p.Slug()] = p
		c.pctx[p.Slug()] = ProviderContext{Provider: opts.ProviderConfig[p.Slug()]}
	}
	return c
}

// Provider returns the registered provider for slug, or nil.
func (c *Client) Provider(slug string) Provider { return c.providers[slug] }

// OAuthSpec returns the provider's token endpoint details under the
// configured deployment context, or nil when slug is unknown or static-auth.
func (c *Client) OAuthSpec(slug string) *OAuthSpec {
	p, ok := c.providers[slug]
	if !ok {
		return nil
	}
	return p.OAuth(c.pctx[slug])
}

// Execute runs one operation against the provider behind conn. Transient
// failures are retried per the policy; a 401 on an OAuth connection triggers
// exactly one forced token refresh before giving up.
func (c *Client) Execute(ctx context.Context, conn *store.Connection, op string, params map[string]any) (*Result, error) {
	p, ok := c.providers[conn.ConnectorSlug]
	if !ok {
		return nil, errkind.New(errkind.UnknownOperation, "no provider for connector %q", conn.ConnectorSlug)
	}
	pctx := c.pctx[conn.ConnectorSlug]
	if conn.TenantContext != "" && pctx.Tenant == "" {
		pctx.Tenant = conn.TenantContext
	}

	ep, err := p.Endpoint(op, params, pctx)
	if err != nil {
		return nil, err
	}
	base := conn.BaseURLOverride
	if base == "" {
		base, err = p.BaseURL(pctx)
		if err != nil {
			return nil, err
		}
	}

	oauth := p.OAuth(pctx)
	start := time.Now()
	var out *Result
	refreshed := false
	attempts, err := c.retry.Do(ctx, func(attempt int) error {
		if err := c.rates.Acquire(ctx, conn.ID, ep.Class); err != nil {
			return err
		}
		res, callErr := c.call(ctx, p, conn, oauth, base, op, ep)
		if callErr != nil {
			if errkind.KindOf(callErr) == errkind.AuthInvalid && conn.RequiresRefresh() && !refreshed {
				refreshed = true
				fresh, rErr := c.creds.ForceRefresh(ctx, conn, oauth)
				if rErr != nil {
					return rErr
				}
				conn = fresh
				res, callErr = c.call(ctx, p, conn, oauth, base, op, ep)
			}
			if callErr != nil {
				return callErr
			}
		}
		out = res
		return nil
	})
	if err != nil {
		if e := errkind.AsError(err); e != nil {
			e.WithAttempts(attempts)
		}
		c.logger.Warn("operation failed",
			"connector", conn.ConnectorSlug, "operation", op,
			"kind", errkind.KindOf(err), "attempts", attempts, "took", time.Since(start))
		return nil, err
	}
	out.Meta.Attempts = attempts
	out.Meta.Duration = time.Since(start).Milliseconds()
	c.logger.Debug("operation ok",
		"connector", conn.ConnectorSlug, "operation", op,
		"status", out.Meta.StatusCode, "attempts", attempts, "took", time.Since(start))
	return out, nil
}

// call performs a single HTTP round trip and classifies the outcome.
func (c *Client) call(ctx context.Context, p Provider, conn *store.Connection, oauth *OAuthSpec, base, op string, ep *Endpoint) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	u, err := joinURL(base, ep.Path)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, err, "build url")
	}
	if len(ep.Query) > 0 {
		u.RawQuery = ep.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch t := ep.Body.(type) {
	case nil:
	case url.Values:
		body = strings.NewReader(t.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		buf, err := json.Marshal(ep.Body)
		if err != nil {
			return nil, errkind.Wrap(errkind.BadInput, err, "encode request body")
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, u.String(), body)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, err, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if id := correlationFrom(ctx); id != "" {
		req.Header.Set("X-Correlation-Id", id)
	}
	if _, err := c.creds.Authorize(ctx, req, conn, oauth); err != nil {
		return nil, err
	}
	if conn.AuthType == store.AuthAPIKeyHeader {
		if ah, ok := p.(APIKeyHeader); ok {
			name, value := ah.APIKeyHeader(conn.APIKey)
			req.Header.Del("X-API-Key")
			req.Header.Set(name, value)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errkind.Wrap(errkind.Timeout, err, "%s %s timed out", ep.Method, ep.Path)
		}
		return nil, errkind.Wrap(errkind.Network, err, "%s %s", ep.Method, ep.Path)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err, "read response body")
	}

	info := p.ParseRate(res.Header)
	if ra := retryAfter(res.Header); ra > 0 {
		if info == nil {
			info = &RateInfo{}
		}
		info.RetryAfter = ra
	}
	c.rates.Observe(ctx, conn.ID, ep.Class, info)

	if res.StatusCode >= 400 {
		return nil, classify(p, res.StatusCode, raw, info)
	}

	data, page, err := p.Normalize(op, res.StatusCode, raw)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data: data,
		Meta: Meta{
			StatusCode: res.StatusCode,
			RequestID:  requestID(res.Header),
			RateLimit:  info,
		},
		Page: page,
	}, nil
}

func classify(p Provider, status int, body []byte, info *RateInfo) error {
	msg := fmt.Sprintf("provider returned %d", status)
	if ep, ok := p.(ErrorParser); ok {
		if m, parsed := ep.ParseError(status, body); parsed {
			msg = m
		}
	}
	e := errkind.New(errkind.FromStatus(status), "%s", msg).WithStatus(status)
	if info != nil && info.RetryAfter > 0 {
		e = e.WithRetryAfter(info.RetryAfter)
	}
	return e
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// requestID pulls the provider's correlation id out of common header names.
func requestID(h http.Header) string {
	for _, name := range []string{"X-Request-Id", "X-Slack-Req-Id", "X-Okta-Request-Id", "Request-Id", "X-GitHub-Request-Id", "X-Correlation-Id"} {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func joinURL(base, path string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	return u.JoinPath(strings.Split(strings.Trim(path, "/"), "/")...), nil
}
