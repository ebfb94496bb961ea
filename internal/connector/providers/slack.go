package providers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/appscript-studio/engine/internal/connector"
	"github.com/appscript-studio/engine/internal/errkind"
)

// Slack adapts the Slack Web API. Slack reports errors with HTTP 200 and
// {"ok": false}, so normalization re-classifies those.
type Slack struct{}

func (s *Slack) Slug() string { return "slack" }

func (s *Slack) BaseURL(connector.ProviderContext) (string, error) {
	return "https://slack.com/api", nil
}

func (s *Slack) OAuth(connector.ProviderContext) *connector.OAuthSpec {
	return &connector.OAuthSpec{
		TokenURL:         "https://slack.com/api/oauth.v2.access",
		AuthURL:          "https://slack.com/oauth/v2/authorize",
		Scopes:           []string{"chat:write", "channels:read", "users:read", "users:read.email"},
		ClientAuthInBody: true,
	}
}

func (s *Slack) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "post_message":
		channel, err := strReq(params, "channel")
		if err != nil {
			return nil, err
		}
		text, err := strReq(params, "text")
		if err != nil {
			return nil, err
		}
		body := map[string]any{"channel": channel, "text": text}
		if ts := str(params, "thread_ts"); ts != "" {
			body["thread_ts"] = ts
		}
		if blocks, ok := params["blocks"]; ok {
			body["blocks"] = blocks
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: "chat.postMessage", Body: body, Class: "chat"}, nil

	case "list_channels":
		q := url.Values{"limit": {"200"}}
		if c := str(params, "cursor"); c != "" {
			q.Set("cursor", c)
		}
		if t := str(params, "types"); t != "" {
			q.Set("types", t)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "conversations.list", Query: q, Class: "read"}, nil

	case "lookup_user_by_email":
		email, err := strReq(params, "email")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "users.lookupByEmail",
			Query: url.Values{"email": {email}}, Class: "read"}, nil

	case "add_reaction":
		channel, err := strReq(params, "channel")
		if err != nil {
			return nil, err
		}
		ts, err := strReq(params, "timestamp")
		if err != nil {
			return nil, err
		}
		name, err := strReq(params, "name")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: "reactions.add",
			Body: map[string]any{"channel": channel, "timestamp": ts, "name": name}, Class: "chat"}, nil
	}
	return nil, unknownOp("slack", op)
}

// TestEndpoint probes auth.test, which validates the token and nothing else.
func (s *Slack) TestEndpoint(connector.ProviderContext) (*connector.Endpoint, error) {
	return &connector.Endpoint{Method: http.MethodPost, Path: "auth.test", Class: "read"}, nil
}

func (s *Slack) Options(handler string) (connector.OptionsQuery, bool) {
	switch handler {
	case "channels":
		return connector.OptionsQuery{Op: "list_channels", Items: "channels", Value: "id", Label: "name"}, true
	}
	return connector.OptionsQuery{}, false
}

func (s *Slack) ParseRate(h http.Header) *connector.RateInfo {
	// Slack only signals via Retry-After, which the client reads itself.
	return nil
}

func (s *Slack) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	var env struct {
		OK       bool   `json:"ok"`
		Error    string `json:"error"`
		Metadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, errkind.Wrap(errkind.ServerError, err, "decode slack response")
	}
	if !env.OK {
		return nil, nil, slackError(env.Error)
	}
	var page *connector.Page
	if env.Metadata.NextCursor != "" {
		page = &connector.Page{NextCursor: env.Metadata.NextCursor}
	}
	return decodeJSON(body), page, nil
}

// slackError maps Slack's in-band error codes onto engine kinds.
func slackError(code string) error {
	kind := errkind.BadInput
	switch code {
	case "ratelimited", "rate_limited":
		kind = errkind.RateLimited
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed":
		kind = errkind.AuthInvalid
	case "missing_scope", "restricted_action":
		kind = errkind.Forbidden
	case "channel_not_found", "user_not_found", "users_not_found":
		kind = errkind.NotFound
	case "internal_error", "service_unavailable", "fatal_error":
		kind = errkind.ServerError
	}
	return errkind.New(kind, "slack: %s", code)
}
