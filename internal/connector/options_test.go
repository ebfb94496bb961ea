package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appscript-studio/engine/internal/errkind"
)

// probeProvider layers the connection-test and pick-list hooks on the fake.
type probeProvider struct{ fakeProvider }

func (p *probeProvider) TestEndpoint(ProviderContext) (*Endpoint, error) {
	return &Endpoint{Method: http.MethodGet, Path: "/whoami"}, nil
}

func (p *probeProvider) Options(handler string) (OptionsQuery, bool) {
	if handler == "things" {
		return OptionsQuery{Op: "list_things", Items: "things", Value: "id", Label: "name"}, true
	}
	return OptionsQuery{}, false
}

func TestTestConnectionSuccess(t *testing.T) {
	st := testStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/whoami", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"user": "bot"})
	}))
	defer srv.Close()

	c := newTestClient(t, st, []Provider{&probeProvider{fakeProvider{base: srv.URL}}}, RetryPolicy{MaxAttempts: 1})
	res, err := c.TestConnection(context.Background(), bearerConn(t, st, "fake"))
	require.NoError(t, err)
	assert.Equal(t, "bot", res.Data.(map[string]any)["user"])
	assert.Equal(t, 1, res.Meta.Attempts)
}

func TestTestConnectionBadCredentials(t *testing.T) {
	st := testStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "bad token"})
	}))
	defer srv.Close()

	c := newTestClient(t, st, []Provider{&probeProvider{fakeProvider{base: srv.URL}}}, RetryPolicy{MaxAttempts: 1})
	_, err := c.TestConnection(context.Background(), bearerConn(t, st, "fake"))
	assert.Equal(t, errkind.AuthInvalid, errkind.KindOf(err))
}

func TestTestConnectionNoRetries(t *testing.T) {
	st := testStore(t)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, st, []Provider{&probeProvider{fakeProvider{base: srv.URL}}},
		RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	_, err := c.TestConnection(context.Background(), bearerConn(t, st, "fake"))
	assert.Equal(t, errkind.ServerError, errkind.KindOf(err))
	assert.Equal(t, int64(1), hits.Load())
}

func TestTestConnectionUnsupported(t *testing.T) {
	st := testStore(t)
	c := newTestClient(t, st, []Provider{&fakeProvider{base: "http://unused"}}, RetryPolicy{MaxAttempts: 1})
	_, err := c.TestConnection(context.Background(), bearerConn(t, st, "fake"))
	assert.Equal(t, errkind.UnknownOperation, errkind.KindOf(err))
}

func TestDynamicOptions(t *testing.T) {
	st := testStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/things", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"things": []any{
				map[string]any{"id": "C1", "name": "general"},
				map[string]any{"id": "C2", "name": "random"},
				map[string]any{"id": "", "name": "dropped"},
				map[string]any{"id": 42},
			},
			"next_cursor": "c2",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, st, []Provider{&probeProvider{fakeProvider{base: srv.URL}}}, RetryPolicy{MaxAttempts: 1})
	opts, page, err := c.DynamicOptions(context.Background(), bearerConn(t, st, "fake"), "things", nil)
	require.NoError(t, err)
	assert.Equal(t, []Option{
		{Value: "C1", Label: "general"},
		{Value: "C2", Label: "random"},
		{Value: "42", Label: "42"},
	}, opts)
	require.NotNil(t, page)
	assert.Equal(t, "c2", page.NextCursor)
}

func TestDynamicOptionsUnknownHandler(t *testing.T) {
	st := testStore(t)
	c := newTestClient(t, st, []Provider{
		&probeProvider{fakeProvider{base: "http://unused"}},
	}, RetryPolicy{MaxAttempts: 1})

	conn := bearerConn(t, st, "fake")
	_, _, err := c.DynamicOptions(context.Background(), conn, "no_such_handler", nil)
	assert.Equal(t, errkind.UnknownOperation, errkind.KindOf(err))
}

func TestDynamicOptionsUnsupportedProvider(t *testing.T) {
	st := testStore(t)
	c := newTestClient(t, st, []Provider{&fakeProvider{base: "http://unused"}}, RetryPolicy{MaxAttempts: 1})
	_, _, err := c.DynamicOptions(context.Background(), bearerConn(t, st, "fake"), "things", nil)
	assert.Equal(t, errkind.UnknownOperation, errkind.KindOf(err))
}

func TestFieldString(t *testing.T) {
	m := map[string]any{
		"s": "val", "whole": float64(42), "frac": 1.5, "b": true, "obj": map[string]any{},
	}
	assert.Equal(t, "val", fieldString(m, "s"))
	assert.Equal(t, "42", fieldString(m, "whole"))
	assert.Equal(t, "1.5", fieldString(m, "frac"))
	assert.Equal(t, "true", fieldString(m, "b"))
	assert.Empty(t, fieldString(m, "obj"))
	assert.Empty(t, fieldString(m, "missing"))
}
