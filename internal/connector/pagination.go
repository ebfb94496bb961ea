package connector

import (
	"context"

	"github.com/appscript-studio/engine/internal/errkind"
	"github.com/appscript-studio/engine/internal/store"
)

// maxPagesDefault bounds Collect when the caller does not.
const maxPagesDefault = 20

// Collect runs a list operation repeatedly, feeding each page's cursor back
// in as the "cursor" param, and returns the concatenated items. Providers
// normalize their native paging (Slack cursors, GitHub Link headers, Stripe
// starting_after) into Page, so this loop is provider-agnostic.
func (c *Client) Collect(ctx context.Context, conn *store.Connection, op string, params map[string]any, maxPages int) ([]any, *Meta, error) {
	if maxPages <= 0 {
		maxPages = maxPagesDefault
	}
	p := make(map[string]any, len(params)+1)
	for k, v := range params {
		p[k] = v
	}

	var items []any
	var meta *Meta
	for page := 0; page < maxPages; page++ {
		res, err := c.Execute(ctx, conn, op, p)
		if err != nil {
			return nil, nil, err
		}
		meta = &res.Meta
		items = append(items, asItems(res.Data)...)

		if res.Page == nil || (res.Page.NextCursor == "" && !res.Page.HasMore) {
			return items, meta, nil
		}
		if res.Page.NextCursor == "" {
			return nil, nil, errkind.New(errkind.ServerError,
				"connector %q signalled more pages without a cursor", conn.ConnectorSlug)
		}
		p["cursor"] = res.Page.NextCursor
	}
	return items, meta, nil
}

// asItems flattens a page body into its items. A JSON array is the items; an
// object with an "items" array unwraps; anything else is a single item.
func asItems(data any) []any {
	switch t := data.(type) {
	case []any:
		return t
	case map[string]any:
		for _, key := range []string{"items", "data", "value"} {
			if arr, ok := t[key].([]any); ok {
				return arr
			}
		}
		return []any{t}
	case nil:
		return nil
	default:
		return []any{t}
	}
}
