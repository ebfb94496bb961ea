package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/appscript-studio/engine/internal/connector"
)

// GitHub adapts the GitHub REST API. Connections use a PAT (bearer) or a
// GitHub App OAuth token.
type GitHub struct{}

func (g *GitHub) Slug() string { return "github" }

func (g *GitHub) BaseURL(pctx connector.ProviderContext) (string, error) {
	if pctx.BaseURL != "" {
		// GitHub Enterprise Server.
		return pctx.BaseURL, nil
	}
	return "https://api.github.com", nil
}

func (g *GitHub) OAuth(connector.ProviderContext) *connector.OAuthSpec {
	return &connector.OAuthSpec{
		TokenURL:         "https://github.com/login/oauth/access_token",
		AuthURL:          "https://github.com/login/oauth/authorize",
		Scopes:           []string{"repo"},
		ClientAuthInBody: true,
	}
}

func (g *GitHub) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	repoPath := func() (string, error) {
		owner, err := strReq(params, "owner")
		if err != nil {
			return "", err
		}
		repo, err := strReq(params, "repo")
		if err != nil {
			return "", err
		}
		return "repos/" + owner + "/" + repo, nil
	}

	switch op {
	case "create_issue":
		base, err := repoPath()
		if err != nil {
			return nil, err
		}
		title, err := strReq(params, "title")
		if err != nil {
			return nil, err
		}
		body := map[string]any{"title": title}
		if b := str(params, "body"); b != "" {
			body["body"] = b
		}
		if labels, ok := params["labels"].([]any); ok {
			body["labels"] = labels
		}
		return &connector.Endpoint{Method: http.MethodPost, Path: base + "/issues", Body: body, Class: "core"}, nil

	case "create_comment":
		base, err := repoPath()
		if err != nil {
			return nil, err
		}
		number, ok := num(params, "issueNumber")
		if !ok {
			return nil, missingParam("issueNumber")
		}
		text, err := strReq(params, "body")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodPost,
			Path: fmt.Sprintf("%s/issues/%.0f/comments", base, number),
			Body: map[string]any{"body": text}, Class: "core"}, nil

	case "list_issues":
		base, err := repoPath()
		if err != nil {
			return nil, err
		}
		q := url.Values{"per_page": {"100"}, "state": {"open"}}
		if s := str(params, "state"); s != "" {
			q.Set("state", s)
		}
		if c := str(params, "cursor"); c != "" {
			q.Set("page", c)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: base + "/issues", Query: q, Class: "core"}, nil

	case "get_repo":
		base, err := repoPath()
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: base, Class: "core"}, nil

	case "dispatch_workflow":
		base, err := repoPath()
		if err != nil {
			return nil, err
		}
		wf, err := strReq(params, "workflowFile")
		if err != nil {
			return nil, err
		}
		ref := str(params, "ref")
		if ref == "" {
			ref = "main"
		}
		body := map[string]any{"ref": ref}
		if inputs, ok := params["inputs"].(map[string]any); ok {
			body["inputs"] = inputs
		}
		return &connector.Endpoint{Method: http.MethodPost,
			Path: base + "/actions/workflows/" + wf + "/dispatches",
			Body: body, Class: "actions"}, nil
	}
	return nil, unknownOp("github", op)
}

// TestEndpoint probes the authenticated user, a read any token can make.
func (g *GitHub) TestEndpoint(connector.ProviderContext) (*connector.Endpoint, error) {
	return &connector.Endpoint{Method: http.MethodGet, Path: "user", Class: "core"}, nil
}

func (g *GitHub) Options(handler string) (connector.OptionsQuery, bool) {
	switch handler {
	case "issues":
		return connector.OptionsQuery{Op: "list_issues", Value: "number", Label: "title"}, true
	}
	return connector.OptionsQuery{}, false
}

func (g *GitHub) ParseRate(h http.Header) *connector.RateInfo {
	if h.Get("X-RateLimit-Limit") == "" {
		return nil
	}
	return &connector.RateInfo{
		Limit:     headerInt(h, "X-RateLimit-Limit"),
		Remaining: headerInt(h, "X-RateLimit-Remaining"),
		ResetAt:   epochReset(h, "X-RateLimit-Reset"),
	}
}

func (g *GitHub) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	if len(body) == 0 {
		return map[string]any{"status": status}, nil, nil
	}
	return decodeJSON(body), nil, nil
}

func (g *GitHub) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) != nil || e.Message == "" {
		return "", false
	}
	return "github: " + e.Message, true
}
