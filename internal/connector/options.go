package connector

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

// TestConnection verifies conn's credentials with the provider's read-only
// probe endpoint. A single round trip, no retries: a probe that needs
// retrying has already answered the question. Like Execute, a 401 on a
// refresh-capable connection gets exactly one forced token refresh.
func (c *Client) TestConnection(ctx context.Context, conn *store.Connection) (*Result, error) {
	p, ok := c.providers[conn.ConnectorSlug]
	if !ok {
		return nil, errkind.New(errkind.UnknownOperation, "no provider for connector %q", conn.ConnectorSlug)
	}
	tester, ok := p.(ConnectionTester)
	if !ok {
		return nil, errkind.New(errkind.UnknownOperation, "connector %q has no connection test", conn.ConnectorSlug)
	}
	pctx := c.pctx[conn.ConnectorSlug]
	if conn.TenantContext != "" && pctx.Tenant == "" {
		pctx.Tenant = conn.TenantContext
	}

	ep, err := tester.TestEndpoint(pctx)
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
	res, err := c.call(ctx, p, conn, oauth, base, "test_connection", ep)
	if err != nil && errkind.KindOf(err) == errkind.AuthInvalid && conn.RequiresRefresh() {
		fresh, rErr := c.creds.ForceRefresh(ctx, conn, oauth)
		if rErr == nil {
			res, err = c.call(ctx, p, fresh, oauth, base, "test_connection", ep)
		}
	}
	if err != nil {
		c.logger.Warn("connection test failed",
			"connector", conn.ConnectorSlug, "connection", conn.ID, "kind", errkind.KindOf(err))
		return nil, err
	}
	res.Meta.Attempts = 1
	res.Meta.Duration = time.Since(start).Milliseconds()
	return res, nil
}

// DynamicOptions serves the editor's pick-lists by running the provider's
// backing list operation and projecting each item to a value/label pair.
// Callers feed Page.NextCursor back in via params["cursor"] for more.
func (c *Client) DynamicOptions(ctx context.Context, conn *store.Connection, handler string, params map[string]any) ([]Option, *Page, error) {
	p, ok := c.providers[conn.ConnectorSlug]
	if !ok {
		return nil, nil, errkind.New(errkind.UnknownOperation, "no provider for connector %q", conn.ConnectorSlug)
	}
	src, ok := p.(OptionSource)
	if !ok {
		return nil, nil, errkind.New(errkind.UnknownOperation, "connector %q has no dynamic options", conn.ConnectorSlug)
	}
	q, ok := src.Options(handler)
	if !ok {
		return nil, nil, errkind.New(errkind.UnknownOperation, "connector %q has no options handler %q", conn.ConnectorSlug, handler)
	}

	res, err := c.Execute(ctx, conn, q.Op, params)
	if err != nil {
		return nil, nil, err
	}

	data := res.Data
	if q.Items != "" {
		m, ok := data.(map[string]any)
		if !ok {
			return nil, nil, errkind.New(errkind.ServerError,
				"connector %q returned no %q list", conn.ConnectorSlug, q.Items)
		}
		data = m[q.Items]
	}
	items := asItems(data)
	opts := make([]Option, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		value := fieldString(m, q.Value)
		if value == "" {
			continue
		}
		label := fieldString(m, q.Label)
		if label == "" {
			label = value
		}
		opts = append(opts, Option{Value: value, Label: label})
	}
	return opts, res.Page, nil
}

// fieldString renders an item field as an option string. Whole JSON numbers
// drop the fraction so issue numbers read naturally.
func fieldString(m map[string]any, key string) string {
	switch t := m[key].(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatFloat(t, 'f', 0, 64)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
