package providers

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/appscript-studio/engine/internal/connector"
)

// Dataverse adapts the Microsoft Dataverse Web API (Dynamics 365). Auth is
// OAuth client credentials against Entra ID; the environment org name and
// directory tenant come from provider config.
type Dataverse struct{}

func (d *Dataverse) Slug() string { return "dataverse" }

func (d *Dataverse) BaseURL(pctx connector.ProviderContext) (string, error) {
	return requireTenant("dataverse", "account", pctx.Account, "https://%s.crm.dynamics.com/api/data/v9.2")
}

func (d *Dataverse) OAuth(pctx connector.ProviderContext) *connector.OAuthSpec {
	if pctx.Tenant == "" || pctx.Account == "" {
		return nil
	}
	return &connector.OAuthSpec{
		TokenURL:         "https://login.microsoftonline.com/" + pctx.Tenant + "/oauth2/v2.0/token",
		Scopes:           []string{"https://" + pctx.Account + ".crm.dynamics.com/.default"},
		ClientAuthInBody: true,
	}
}

func (d *Dataverse) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "create_record":
		entity, err := strReq(params, "entitySet")
		if err != nil {
			return nil, err
		}
		attrs, ok := params["attributes"].(map[string]any)
		if !ok {
			return nil, missingParam("attributes")
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: entity, Body: attrs,
			Headers: map[string]string{"Prefer": "return=representation"}, Class: "write"}, nil

	case "update_record":
		entity, err := strReq(params, "entitySet")
		if err != nil {
			return nil, err
		}
		id, err := strReq(params, "recordId")
		if err != nil {
			return nil, err
		}
		attrs, ok := params["attributes"].(map[string]any)
		if !ok {
			return nil, missingParam("attributes")
		}
		return &connector.Endpoint{Method: http.MethodPatch,
			Path: entity + "(" + id + ")", Body: attrs, Class: "write"}, nil

	case "query_records":
		entity, err := strReq(params, "entitySet")
		if err != nil {
			return nil, err
		}
		q := url.Values{}
		if f := str(params, "filter"); f != "" {
			q.Set("$filter", f)
		}
		if sel := str(params, "select"); sel != "" {
			q.Set("$select", sel)
		}
		if top := str(params, "top"); top != "" {
			q.Set("$top", top)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: entity, Query: q, Class: "read"}, nil

	case "delete_record":
		entity, err := strReq(params, "entitySet")
		if err != nil {
			return nil, err
		}
		id, err := strReq(params, "recordId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodDelete,
			Path: entity + "(" + id + ")", Class: "write"}, nil
	}
	return nil, unknownOp("dataverse", op)
}

func (d *Dataverse) ParseRate(h http.Header) *connector.RateInfo {
	if h.Get("x-ms-ratelimit-burst-remaining-xrm-requests") == "" {
		return nil
	}
	return &connector.RateInfo{
		Remaining: headerInt(h, "x-ms-ratelimit-burst-remaining-xrm-requests"),
	}
}

func (d *Dataverse) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	data := decodeJSON(body)
	var env struct {
		NextLink string `json:"@odata.nextLink"`
	}
	if json.Unmarshal(body, &env) == nil && env.NextLink != "" {
		// The nextLink is a full URL; it round-trips as an opaque cursor.
		return data, &connector.Page{NextCursor: env.NextLink, HasMore: true}, nil
	}
	return data, nil, nil
}

func (d *Dataverse) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error.Message == "" {
		return "", false
	}
	return "dataverse " + e.Error.Code + ": " + e.Error.Message, true
}
