package providers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/appscript-studio/engine/internal/connector"
)

// Okta adapts the Okta management API. Connections typically use an SSWS API
// token; OAuth client credentials also work for org-level apps.
type Okta struct{}

func (o *Okta) Slug() string { return "okta" }

func (o *Okta) BaseURL(pctx connector.ProviderContext) (string, error) {
	return requireTenant("okta", "org_url", pctx.OrgURL, "%s/api/v1")
}

func (o *Okta) OAuth(pctx connector.ProviderContext) *connector.OAuthSpec {
	if pctx.OrgURL == "" {
		return nil
	}
	return &connector.OAuthSpec{
		TokenURL: pctx.OrgURL + "/oauth2/v1/token",
		Scopes:   []string{"okta.users.read", "okta.users.manage", "okta.groups.manage"},
	}
}

func (o *Okta) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "list_users":
		q := url.Values{"limit": {"200"}}
		if s := str(params, "search"); s != "" {
			q.Set("search", s)
		}
		if c := str(params, "cursor"); c != "" {
			q.Set("after", c)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "users", Query: q, Class: "users"}, nil

	case "get_user":
		id, err := strReq(params, "userId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "users/" + id, Class: "users"}, nil

	case "create_user":
		profile, ok := params["profile"].(map[string]any)
		if !ok {
			return nil, missingParam("profile")
		}
		// Users activate on creation unless the caller opts out.
		activate := "true"
		switch v := params["activate"].(type) {
		case bool:
			activate = strconv.FormatBool(v)
		case string:
			if v != "" {
				activate = v
			}
		}
		q := url.Values{"activate": {activate}}
		return &connector.Endpoint{Method: http.MethodPost, Path: "users", Query: q,
			Body: map[string]any{"profile": profile}, Class: "users"}, nil

	case "deactivate_user":
		id, err := strReq(params, "userId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodPost,
			Path: "users/" + id + "/lifecycle/deactivate", Class: "users"}, nil

	case "add_user_to_group":
		groupID, err := strReq(params, "groupId")
		if err != nil {
			return nil, err
		}
		userID, err := strReq(params, "userId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodPut,
			Path: "groups/" + groupID + "/users/" + userID, Class: "groups"}, nil
	}
	return nil, unknownOp("okta", op)
}

func (o *Okta) ParseRate(h http.Header) *connector.RateInfo {
	if h.Get("X-Rate-Limit-Limit") == "" {
		return nil
	}
	return &connector.RateInfo{
		Limit:     headerInt(h, "X-Rate-Limit-Limit"),
		Remaining: headerInt(h, "X-Rate-Limit-Remaining"),
		ResetAt:   epochReset(h, "X-Rate-Limit-Reset"),
	}
}

func (o *Okta) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	return decodeJSON(body), nil, nil
}

func (o *Okta) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		ErrorSummary string `json:"errorSummary"`
		ErrorCode    string `json:"errorCode"`
	}
	if json.Unmarshal(body, &e) != nil || e.ErrorSummary == "" {
		return "", false
	}
	return "okta " + e.ErrorCode + ": " + e.ErrorSummary, true
}
