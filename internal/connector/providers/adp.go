package providers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/appscript-studio/engine/internal/connector"
)

// ADP adapts ADP Workforce Now. Auth is OAuth client credentials with the
// client id and secret sent as HTTP basic auth.
type ADP struct{}

func (a *ADP) Slug() string { return "adp" }

func (a *ADP) BaseURL(connector.ProviderContext) (string, error) {
	return "https://api.adp.com", nil
}

func (a *ADP) OAuth(connector.ProviderContext) *connector.OAuthSpec {
	return &connector.OAuthSpec{
		TokenURL: "https://accounts.adp.com/auth/oauth/v2/token",
	}
}

func (a *ADP) Endpoint(op string, params map[string]any, pctx connector.ProviderContext) (*connector.Endpoint, error) {
	ep, err := a.endpoint(op, params)
	if err != nil {
		return nil, err
	}
	// Multi-client ADP credentials scope every call with the context captured
	// at token time.
	if pctx.Tenant != "" {
		if ep.Headers == nil {
			ep.Headers = map[string]string{}
		}
		ep.Headers["ADP-Context"] = pctx.Tenant
	}
	return ep, nil
}

func (a *ADP) endpoint(op string, params map[string]any) (*connector.Endpoint, error) {
	switch op {
	case "list_workers":
		q := url.Values{"$top": {"100"}}
		if c := str(params, "cursor"); c != "" {
			q.Set("$skip", c)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "hr/v2/workers", Query: q, Class: "workers"}, nil

	case "get_worker":
		id, err := strReq(params, "associateOID")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "hr/v2/workers/" + id, Class: "workers"}, nil

	case "list_pay_statements":
		id, err := strReq(params, "associateOID")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet,
			Path: "payroll/v1/workers/" + id + "/pay-statements", Class: "payroll"}, nil
	}
	return nil, unknownOp("adp", op)
}

func (a *ADP) ParseRate(http.Header) *connector.RateInfo { return nil }

func (a *ADP) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	data := decodeJSON(body)
	if op == "list_workers" {
		var env struct {
			Workers []any `json:"workers"`
			Meta    struct {
				TotalNumber int `json:"totalNumber"`
				StartIndex  int `json:"startIndex"`
			} `json:"meta"`
		}
		if json.Unmarshal(body, &env) == nil && len(env.Workers) > 0 &&
			env.Meta.StartIndex+len(env.Workers) < env.Meta.TotalNumber {
			return data, &connector.Page{
				NextCursor: strconv.Itoa(env.Meta.StartIndex + len(env.Workers)),
			}, nil
		}
	}
	return data, nil, nil
}

func (a *ADP) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		ConfirmMessage struct {
			ResourceMessages []struct {
				ProcessMessages []struct {
					UserMessage struct {
						MessageTxt string `json:"messageTxt"`
					} `json:"userMessage"`
				} `json:"processMessages"`
			} `json:"resourceMessages"`
		} `json:"confirmMessage"`
	}
	if json.Unmarshal(body, &e) != nil {
		return "", false
	}
	for _, rm := range e.ConfirmMessage.ResourceMessages {
		for _, pm := range rm.ProcessMessages {
			if pm.UserMessage.MessageTxt != "" {
				return "adp: " + pm.UserMessage.MessageTxt, true
			}
		}
	}
	return "", false
}
