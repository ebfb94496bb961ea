package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/appscript-studio/engine/internal/connector"
)

// Jira adapts Jira Cloud's REST API v3. The site domain comes from provider
// config (yourco.atlassian.net).
type Jira struct{}

func (j *Jira) Slug() string { return "jira" }

func (j *Jira) BaseURL(pctx connector.ProviderContext) (string, error) {
	return requireTenant("jira", "domain", pctx.Domain, "https://%s/rest/api/3")
}

func (j *Jira) OAuth(connector.ProviderContext) *connector.OAuthSpec {
	return &connector.OAuthSpec{
		TokenURL:         "https://auth.atlassian.com/oauth/token",
		AuthURL:          "https://auth.atlassian.com/authorize",
		Scopes:           []string{"read:jira-work", "write:jira-work", "offline_access"},
		ClientAuthInBody: true,
	}
}

func (j *Jira) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "create_issue":
		project, err := strReq(params, "project")
		if err != nil {
			return nil, err
		}
		summary, err := strReq(params, "summary")
		if err != nil {
			return nil, err
		}
		issueType := str(params, "issueType")
		if issueType == "" {
			issueType = "Task"
		}
		fields := map[string]any{
			"project":   map[string]any{"key": project},
			"summary":   summary,
			"issuetype": map[string]any{"name": issueType},
		}
		if desc := str(params, "description"); desc != "" {
			fields["description"] = adfParagraph(desc)
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: "issue",
			Body: map[string]any{"fields": fields}, Class: "write"}, nil

	case "get_issue":
		key, err := strReq(params, "issueKey")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "issue/" + key, Class: "read"}, nil

	case "search_issues":
		jql, err := strReq(params, "jql")
		if err != nil {
			return nil, err
		}
		q := url.Values{"jql": {jql}, "maxResults": {"50"}}
		if c := str(params, "cursor"); c != "" {
			q.Set("startAt", c)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "search", Query: q, Class: "search"}, nil

	case "add_comment":
		key, err := strReq(params, "issueKey")
		if err != nil {
			return nil, err
		}
		text, err := strReq(params, "body")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: fmt.Sprintf("issue/%s/comment", key),
			Body: map[string]any{"body": adfParagraph(text)}, Class: "write"}, nil

	case "transition_issue":
		key, err := strReq(params, "issueKey")
		if err != nil {
			return nil, err
		}
		id, err := strReq(params, "transitionId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: fmt.Sprintf("issue/%s/transitions", key),
			Body: map[string]any{"transition": map[string]any{"id": id}}, Class: "write"}, nil
	}
	return nil, unknownOp("jira", op)
}

func (j *Jira) TestEndpoint(connector.ProviderContext) (*connector.Endpoint, error) {
	return &connector.Endpoint{Method: http.MethodGet, Path: "myself", Class: "read"}, nil
}

func (j *Jira) ParseRate(h http.Header) *connector.RateInfo {
	if h.Get("X-RateLimit-Limit") == "" {
		return nil
	}
	return &connector.RateInfo{
		Limit:     headerInt(h, "X-RateLimit-Limit"),
		Remaining: headerInt(h, "X-RateLimit-Remaining"),
	}
}

func (j *Jira) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	data := decodeJSON(body)
	var page *connector.Page
	if op == "search_issues" {
		var env struct {
			StartAt    int `json:"startAt"`
			MaxResults int `json:"maxResults"`
			Total      int `json:"total"`
		}
		if json.Unmarshal(body, &env) == nil && env.StartAt+env.MaxResults < env.Total {
			page = &connector.Page{NextCursor: strconv.Itoa(env.StartAt + env.MaxResults)}
		}
	}
	return data, page, nil
}

func (j *Jira) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if json.Unmarshal(body, &e) != nil {
		return "", false
	}
	msgs := append([]string{}, e.ErrorMessages...)
	for field, msg := range e.Errors {
		msgs = append(msgs, field+": "+msg)
	}
	if len(msgs) == 0 {
		return "", false
	}
	return "jira: " + strings.Join(msgs, "; "), true
}

// adfParagraph wraps plain text in the minimal Atlassian Document Format
// shape the v3 API requires.
func adfParagraph(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": text}},
		}},
	}
}
