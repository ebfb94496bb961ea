package registry

import (
	"encoding/json"
	"time"
)

// Catalog returns the built-in connector descriptors seeded into a fresh
// registry. Admin rollout patches persist over these.
func Catalog() []Descriptor {
	return []Descriptor{
		{
			Slug: "slack", DisplayName: "Slack", SemanticVersion: "1.4.0", SchemaVersion: 2, Stage: StageStable,
			Operations: []Operation{
				{ID: "post_message", Kind: "action", DisplayName: "Post message", Params: obj(map[string]any{
					"channel":   prop("string"),
					"text":      prop("string"),
					"thread_ts": prop("string"),
				}, "channel", "text")},
				{ID: "list_channels", Kind: "action", DisplayName: "List channels"},
				{ID: "lookup_user_by_email", Kind: "action", Params: obj(map[string]any{
					"email": map[string]any{"type": "string", "format": "email"},
				}, "email")},
				{ID: "add_reaction", Kind: "action"},
				{ID: "message_received", Kind: "trigger", DedupTTL: 24 * time.Hour},
				{ID: "reaction_added", Kind: "trigger"},
			},
		},
		{
			Slug: "jira", DisplayName: "Jira Cloud", SemanticVersion: "2.1.3", SchemaVersion: 3, Stage: StageStable,
			Operations: []Operation{
				{ID: "create_issue", Kind: "action", Params: obj(map[string]any{
					"project":     prop("string"),
					"summary":     prop("string"),
					"description": prop("string"),
					"issueType":   prop("string"),
				}, "project", "summary")},
				{ID: "get_issue", Kind: "action"},
				{ID: "search_issues", Kind: "action", Params: obj(map[string]any{
					"jql": prop("string"),
				}, "jql")},
				{ID: "add_comment", Kind: "action"},
				{ID: "transition_issue", Kind: "action"},
				{ID: "issue_created", Kind: "trigger"},
				{ID: "issue_updated", Kind: "trigger"},
			},
		},
		{
			Slug: "okta", DisplayName: "Okta", SemanticVersion: "1.2.0", SchemaVersion: 1, Stage: StageStable,
			Operations: []Operation{
				{ID: "list_users", Kind: "action"},
				{ID: "get_user", Kind: "action"},
				{ID: "create_user", Kind: "action", Params: obj(map[string]any{
					"profile": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"firstName": prop("string"),
							"lastName":  prop("string"),
							"email":     map[string]any{"type": "string", "format": "email"},
							"login":     prop("string"),
						},
						"required": []any{"firstName", "lastName", "email", "login"},
					},
				}, "profile")},
				{ID: "deactivate_user", Kind: "action"},
				{ID: "add_user_to_group", Kind: "action"},
				{ID: "user_created", Kind: "trigger"},
				{ID: "user_deactivated", Kind: "trigger"},
			},
		},
		{
			Slug: "stripe", DisplayName: "Stripe", SemanticVersion: "3.0.1", SchemaVersion: 4, Stage: StageStable,
			Operations: []Operation{
				{ID: "create_customer", Kind: "action", RequiresIdempotencyKey: true, Params: obj(map[string]any{
					"email":          prop("string"),
					"name":           prop("string"),
					"idempotencyKey": prop("string"),
				}, "idempotencyKey")},
				{ID: "create_payment_intent", Kind: "action", RequiresIdempotencyKey: true, Params: obj(map[string]any{
					"amount":         map[string]any{"type": "integer", "minimum": 1},
					"currency":       map[string]any{"type": "string", "minLength": 3, "maxLength": 3},
					"customer":       prop("string"),
					"idempotencyKey": prop("string"),
				}, "amount", "currency", "idempotencyKey")},
				{ID: "create_refund", Kind: "action", RequiresIdempotencyKey: true, Params: obj(map[string]any{
					"paymentIntent":  prop("string"),
					"amount":         map[string]any{"type": "integer", "minimum": 1},
					"idempotencyKey": prop("string"),
				}, "paymentIntent", "idempotencyKey")},
				{ID: "get_customer", Kind: "action"},
				{ID: "list_charges", Kind: "action"},
				{ID: "payment_succeeded", Kind: "trigger", DedupTTL: 30 * 24 * time.Hour},
				{ID: "charge_refunded", Kind: "trigger", DedupTTL: 30 * 24 * time.Hour},
			},
		},
		{
			Slug: "workday", DisplayName: "Workday", SemanticVersion: "0.6.0", SchemaVersion: 1, Stage: StageBeta,
			Operations: []Operation{
				{ID: "list_workers", Kind: "action"},
				{ID: "get_worker", Kind: "action"},
				{ID: "request_time_off", Kind: "action", Params: obj(map[string]any{
					"workerId": prop("string"),
					"days":     map[string]any{"type": "array", "minItems": 1},
				}, "workerId", "days")},
				{ID: "worker_hired", Kind: "trigger"},
			},
		},
		{
			Slug: "dataverse", DisplayName: "Microsoft Dataverse", SemanticVersion: "1.0.2", SchemaVersion: 2, Stage: StageStable,
			Operations: []Operation{
				{ID: "create_record", Kind: "action", Params: obj(map[string]any{
					"entitySet":  prop("string"),
					"attributes": map[string]any{"type": "object"},
				}, "entitySet", "attributes")},
				{ID: "update_record", Kind: "action"},
				{ID: "query_records", Kind: "action"},
				{ID: "delete_record", Kind: "action"},
				{ID: "record_created", Kind: "trigger"},
			},
		},
		{
			Slug: "adp", DisplayName: "ADP Workforce Now", SemanticVersion: "0.3.1", SchemaVersion: 1, Stage: StageBeta,
			Operations: []Operation{
				{ID: "list_workers", Kind: "action"},
				{ID: "get_worker", Kind: "action"},
				{ID: "list_pay_statements", Kind: "action"},
			},
		},
		{
			Slug: "github", DisplayName: "GitHub", SemanticVersion: "2.4.0", SchemaVersion: 3, Stage: StageStable,
			Operations: []Operation{
				{ID: "create_issue", Kind: "action", Params: obj(map[string]any{
					"owner": prop("string"),
					"repo":  prop("string"),
					"title": prop("string"),
					"body":  prop("string"),
				}, "owner", "repo", "title")},
				{ID: "create_comment", Kind: "action"},
				{ID: "list_issues", Kind: "action"},
				{ID: "get_repo", Kind: "action"},
				{ID: "dispatch_workflow", Kind: "action"},
				{ID: "push", Kind: "trigger"},
				{ID: "issue_opened", Kind: "trigger"},
				{ID: "pull_request_merged", Kind: "trigger"},
			},
		},
		{
			Slug: "powerbi", DisplayName: "Power BI", SemanticVersion: "1.1.0", SchemaVersion: 1, Stage: StageStable,
			Operations: []Operation{
				{ID: "refresh_dataset", Kind: "action", Params: obj(map[string]any{
					"datasetId": prop("string"),
				}, "datasetId")},
				{ID: "get_refresh_history", Kind: "action"},
				{ID: "list_datasets", Kind: "action"},
				{ID: "export_report", Kind: "action"},
				{ID: "refresh_completed", Kind: "trigger"},
			},
		},
		{
			Slug: "opsgenie", DisplayName: "Opsgenie", SemanticVersion: "1.0.0", SchemaVersion: 1, Stage: StageDeprecated,
			Operations: []Operation{
				{ID: "create_alert", Kind: "action", Params: obj(map[string]any{
					"message":  prop("string"),
					"priority": map[string]any{"type": "string", "enum": []any{"P1", "P2", "P3", "P4", "P5"}},
				}, "message")},
				{ID: "close_alert", Kind: "action"},
				{ID: "get_alert", Kind: "action"},
				{ID: "list_alerts", Kind: "action"},
				{ID: "alert_created", Kind: "trigger"},
			},
		},
	}
}

func prop(t string) map[string]any { return map[string]any{"type": t} }

// obj builds a draft 2020-12 object schema with required keys.
func obj(props map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	raw, _ := json.Marshal(schema)
	return raw
}
