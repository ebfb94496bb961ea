package providers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/appscript-studio/engine/internal/connector"
)

// Opsgenie adapts the Opsgenie Alert API v2. The static API key travels in
// an Authorization: GenieKey header.
type Opsgenie struct{}

func (o *Opsgenie) Slug() string { return "opsgenie" }

func (o *Opsgenie) BaseURL(pctx connector.ProviderContext) (string, error) {
	if pctx.Region == "eu" {
		return "https://api.eu.opsgenie.com/v2", nil
	}
	return "https://api.opsgenie.com/v2", nil
}

func (o *Opsgenie) OAuth(connector.ProviderContext) *connector.OAuthSpec { return nil }

func (o *Opsgenie) APIKeyHeader(key string) (string, string) {
	return "Authorization", "GenieKey " + key
}

func (o *Opsgenie) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "create_alert":
		message, err := strReq(params, "message")
		if err != nil {
			return nil, err
		}
		body := map[string]any{"message": message}
		if p := str(params, "priority"); p != "" {
			body["priority"] = p
		}
		if d := str(params, "description"); d != "" {
			body["description"] = d
		}
		if alias := str(params, "alias"); alias != "" {
			body["alias"] = alias
		}
		if tags, ok := params["tags"].([]any); ok {
			body["tags"] = tags
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: "alerts", Body: body, Class: "alerts"}, nil

	case "close_alert":
		id, err := strReq(params, "alertId")
		if err != nil {
			return nil, err
		}
		body := map[string]any{}
		if n := str(params, "note"); n != "" {
			body["note"] = n
		}
		return &connector.Endpoint{Method: http.MethodPost,
			Path: "alerts/" + id + "/close", Body: body, Class: "alerts"}, nil

	case "get_alert":
		id, err := strReq(params, "alertId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "alerts/" + id, Class: "alerts"}, nil

	case "list_alerts":
		q := url.Values{"limit": {"100"}}
		if query := str(params, "query"); query != "" {
			q.Set("query", query)
		}
		if c := str(params, "cursor"); c != "" {
			q.Set("offset", c)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "alerts", Query: q, Class: "alerts"}, nil
	}
	return nil, unknownOp("opsgenie", op)
}

func (o *Opsgenie) ParseRate(h http.Header) *connector.RateInfo {
	if h.Get("X-RateLimit-Period-In-Sec") == "" && h.Get("X-RateLimit-Remaining") == "" {
		return nil
	}
	return &connector.RateInfo{
		Limit:     headerInt(h, "X-RateLimit-Limit"),
		Remaining: headerInt(h, "X-RateLimit-Remaining"),
	}
}

func (o *Opsgenie) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	return decodeJSON(body), nil, nil
}

func (o *Opsgenie) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) != nil || e.Message == "" {
		return "", false
	}
	return "opsgenie: " + e.Message, true
}
