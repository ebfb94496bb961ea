package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/appscript-studio/engine/internal/connector"
)

// Stripe adapts the Stripe API. Stripe takes form-encoded bodies and pages
// with starting_after plus has_more. Write operations pass the caller's
// idempotency key through Stripe's native header.
type Stripe struct{}

func (s *Stripe) Slug() string { return "stripe" }

func (s *Stripe) BaseURL(connector.ProviderContext) (string, error) {
	return "https://api.stripe.com/v1", nil
}

func (s *Stripe) OAuth(connector.ProviderContext) *connector.OAuthSpec { return nil }

func (s *Stripe) Endpoint(op string, params map[string]any, _ connector.ProviderContext) (*connector.Endpoint, error) {
	switch op {
	case "create_customer":
		form := url.Values{}
		if e := str(params, "email"); e != "" {
			form.Set("email", e)
		}
		if n := str(params, "name"); n != "" {
			form.Set("name", n)
		}
		return withIdempotency(&connector.Endpoint{
			Method: http.MethodPost, Path: "customers", Body: form, Class: "write"}, params)

	case "create_payment_intent":
		amount, ok := num(params, "amount")
		if !ok {
			return nil, missingParam("amount")
		}
		currency, err := strReq(params, "currency")
		if err != nil {
			return nil, err
		}
		form := url.Values{
			"amount":   {fmt.Sprintf("%.0f", amount)},
			"currency": {currency},
		}
		if c := str(params, "customer"); c != "" {
			form.Set("customer", c)
		}
		return withIdempotency(&connector.Endpoint{
			Method: http.MethodPost, Path: "payment_intents", Body: form, Class: "write"}, params)

	case "create_refund":
		pi, err := strReq(params, "paymentIntent")
		if err != nil {
			return nil, err
		}
		form := url.Values{"payment_intent": {pi}}
		if amount, ok := num(params, "amount"); ok {
			form.Set("amount", fmt.Sprintf("%.0f", amount))
		}
		return withIdempotency(&connector.Endpoint{
			Method: http.MethodPost, Path: "refunds", Body: form, Class: "write"}, params)

	case "get_customer":
		id, err := strReq(params, "customerId")
		if err != nil {
			return nil, err
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "customers/" + id, Class: "read"}, nil

	case "list_charges":
		q := url.Values{"limit": {"100"}}
		if c := str(params, "cursor"); c != "" {
			q.Set("starting_after", c)
		}
		if cust := str(params, "customer"); cust != "" {
			q.Set("customer", cust)
		}
		return &connector.Endpoint{Method: http.MethodGet, Path: "charges", Query: q, Class: "read"}, nil
	}
	return nil, unknownOp("stripe", op)
}

// withIdempotency attaches the required idempotency key header. Value-moving
// Stripe operations refuse to run without one.
func withIdempotency(ep *connector.Endpoint, params map[string]any) (*connector.Endpoint, error) {
	key, err := strReq(params, "idempotencyKey")
	if err != nil {
		return nil, err
	}
	ep.Headers = map[string]string{"Idempotency-Key": key}
	return ep, nil
}

func (s *Stripe) ParseRate(h http.Header) *connector.RateInfo {
	// Stripe signals overload via 429 + Retry-After only.
	return nil
}

func (s *Stripe) Normalize(op string, status int, body []byte) (any, *connector.Page, error) {
	data := decodeJSON(body)
	var env struct {
		HasMore bool `json:"has_more"`
		Data    []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &env) == nil && env.HasMore && len(env.Data) > 0 {
		return data, &connector.Page{
			NextCursor: env.Data[len(env.Data)-1].ID,
			HasMore:    true,
		}, nil
	}
	return data, nil, nil
}

func (s *Stripe) ParseError(status int, body []byte) (string, bool) {
	var e struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil || e.Error.Message == "" {
		return "", false
	}
	return fmt.Sprintf("stripe %s/%s: %s", e.Error.Type, e.Error.Code, e.Error.Message), true
}
