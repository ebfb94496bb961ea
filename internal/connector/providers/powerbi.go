package providers

import (
	"encoding/json"
	"net/http"

	"github.com/appscript-studio/engine/internal/connector"
)

// PowerBI adapts the Power BI REST API. Auth is OAuth client credentials
// against Entra ID using a service principal.
type PowerBI struct{}

func (p *PowerBI) Slug() string { return "powerbi" }

func (p *PowerBI) BaseURL(connector.ProviderContext) (string, error) {
	return "https://api.powerbi.com/v1.0/myorg", nil
}

func (p *PowerBI) OAuth(pctx connector.ProviderContext) *connector.OAuthSpec {
	if pctx.Tenant == "" {
		return nil
	}
	return &connector.OAuthSpec{
		TokenURL:         "https://login.microsoftonline.com/" + pctx.Tenant + "/oauth2/v2.0/token",
		Scopes:           []string{"https://analysis.windows.net/powerbi/api/.default"},
		ClientAuthInBody: true,
	}
}

func (p *PowerBI) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "refresh_dataset":
		id, err := strReq(params, "datasetId")
		if err != nil {
			return nil, err
		}
		body := map[string]any{"notifyOption": "NoNotification"}
		if t := str(params, "type"); t != "" {
			body["type"] = t
		}
		return &connector.Endpoint{Method: http.MethodPost,
			Path: "datasets/" + id + "/refreshes", Body: body, Class: "refresh"}, nil

	case "get_refresh_history":
		id, err := strReq(params, "datasetId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet,
			Path: "datasets/" + id + "/refreshes", Class: "read"}, nil

	case "list_datasets":
		return &connector.Endpoint{Method: http.MethodGet, Path: "datasets", Class: "read"}, nil

	case "export_report":
		id, err := strReq(params, "reportId")
		if err != nil {
			return nil, err
		}
		format := str(params, "format")
		if format == "" {
			format = "PDF"
		}
		return &connector.Endpoint{Method: http.MethodPost,
			Path: "reports/" + id + "/ExportTo",
			Body: map[string]any{"format": format}, Class: "export"}, nil
	}
	return nil, unknownOp("powerbi", op)
}

func (p *PowerBI) ParseRate(http.Header) *connector.RateInfo { return nil }

func (p *PowerBI) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	return decodeJSON(body), nil, nil
}

func (p *PowerBI) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error.Code == "" {
		return "", false
	}
	msg := e.Error.Message
	if msg == "" {
		msg = e.Error.Code
	}
	return "powerbi " + e.Error.Code + ": " + msg, true
}
