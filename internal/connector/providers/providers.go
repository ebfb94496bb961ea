// Package providers contains the per-SaaS adapters used by the connector
// client. Each provider maps operation ids to concrete HTTP endpoints and
// normalizes responses and rate limit headers.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/appscript-studio/engine/internal/connector"
	"github.com/appscript-studio/engine/internal/errkind"
)

// All returns every built-in provider.
func All() []connector.Provider {
	return []connector.Provider{
		&Slack{}, &Jira{}, &Okta{}, &Stripe{}, &Workday{},
		&Dataverse{}, &ADP{}, &GitHub{}, &PowerBI{}, &Opsgenie{},
	}
}

// unknownOp is the shared error for an operation the provider does not map.
func unknownOp(slug, op string) error {
	return errkind.New(errkind.UnknownOperation, "connector %q has no operation %q", slug, op)
}

// str returns params[key] as a string, empty when absent or not a string.
func str(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// strReq is str but errors when the value is missing.
func strReq(params map[string]any, key string) (string, error) {
	s := str(params, key)
	if s == "" {
		return "", errkind.New(errkind.BadInput, "missing required param %q", key)
	}
	return s, nil
}

// missingParam reports a required param that is absent or the wrong type.
func missingParam(key string) error {
	return errkind.New(errkind.BadInput, "missing required param %q", key)
}

func num(params map[string]any, key string) (float64, bool) {
	f, ok := params[key].(float64)
	return f, ok
}

// decodeJSON parses a response body leniently: invalid JSON becomes a raw
// string so callers still see something.
func decodeJSON(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

// epochReset parses a unix-seconds reset header.
func epochReset(h http.Header, name string) time.Time {
	v := h.Get(name)
	if v == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

func headerInt(h http.Header, name string) int64 {
	n, _ := strconv.ParseInt(h.Get(name), 10, 64)
	return n
}

// requireTenant formats a URL from a tenant field, erroring when it is not
// configured.
func requireTenant(slug, field, value, format string) (string, error) {
	if value == "" {
		return "", errkind.New(errkind.BadInput, "connector %q requires %s in provider config", slug, field)
	}
	return fmt.Sprintf(format, value), nil
}
