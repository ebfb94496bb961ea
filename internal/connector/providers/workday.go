package providers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/appscript-studio/engine/internal/connector"
)

// Workday adapts the Workday REST API. URLs embed the tenant twice: host
// prefix and path segment. Auth is OAuth client credentials against the
// tenant's token endpoint.
type Workday struct{}

func (w *Workday) Slug() string { return "workday" }

func (w *Workday) BaseURL(pctx connector.ProviderContext) (string, error) {
	if pctx.Tenant == "" {
		return requireTenant("workday", "tenant", "", "")
	}
	host := pctx.Domain
	if host == "" {
		host = "wd2-impl-services1.workday.com"
	}
	return "https://" + host + "/ccx/api/v1/" + pctx.Tenant, nil
}

func (w *Workday) OAuth(pctx connector.ProviderContext) *connector.OAuthSpec {
	if pctx.Tenant == "" {
		return nil
	}
	host := pctx.Domain
	if host == "" {
		host = "wd2-impl-services1.workday.com"
	}
	return &connector.OAuthSpec{
		TokenURL: "https://" + host + "/ccx/oauth2/" + pctx.Tenant + "/token",
	}
}

func (w *Workday) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "list_workers":
		q := url.Values{"limit": {"100"}}
		if c := str(params, "cursor"); c != "" {
			q.Set("offset", c)
		}
		if s := str(params, "search"); s != "" {
			q.Set("search", s)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "workers", Query: q, Class: "workers"}, nil

	case "get_worker":
		id, err := strReq(params, "workerId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "workers/" + id, Class: "workers"}, nil

	case "request_time_off":
		workerID, err := strReq(params, "workerId")
		if err != nil {
			return nil, err
		}
		days, ok := params["days"].([]any)
		if !ok || len(days) == 0 {
			return nil, missingParam("days")
		}
		return &connector.Endpoint{Method: http.MethodPost,
			Path: "workers/" + workerID + "/requestTimeOff",
			Body: map[string]any{"days": days}, Class: "absence"}, nil
	}
	return nil, unknownOp("workday", op)
}

func (w *Workday) ParseRate(http.Header) *connector.RateInfo { return nil }

func (w *Workday) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	data := decodeJSON(body)
	var env struct {
		Total  int   `json:"total"`
		Offset int   `json:"offset"`
		Data   []any `json:"data"`
	}
	if json.Unmarshal(body, &env) == nil && env.Offset+len(env.Data) < env.Total && len(env.Data) > 0 {
		return data, &connector.Page{NextCursor: strconv.Itoa(env.Offset + len(env.Data))}, nil
	}
	return data, nil, nil
}

func (w *Workday) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		Error  string `json:"error"`
		Errors []struct {
			Error string `json:"error"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &e) != nil {
		return "", false
	}
	if e.Error != "" {
		return "workday: " + e.Error, true
	}
	if len(e.Errors) > 0 {
		return "workday: " + e.Errors[0].Error, true
	}
	return "", false
}
