package lockbridgesdk

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbridge/internal/config"
	"lockbridge/internal/domain"
	"lockbridge/internal/engine"
	"lockbridge/internal/engine/auth"
	"lockbridge/internal/executor"
	"lockbridge/internal/registry"
	"lockbridge/internal/server"
)

func newClient(t *testing.T, h http.HandlerFunc) (*Client, *atomic.Int64) {
	t.Helper()
	hits := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.NewID = func() string { return "req-1" }
	return c, hits
}

func reasonOf(t *testing.T, err error) domain.CallerReason {
	t.Helper()
	var ce *domain.CallerError
	require.True(t, errors.As(err, &ce), "expected CallerError, got %v", err)
	return ce.Reason
}

func TestUnknownChannelIsRejectedLocally(t *testing.T) {
	c, hits := newClient(t, func(w http.ResponseWriter, r *http.Request) {})

	for _, name := range []string{"machine:format", "", "MACHINE:GETALL"} {
		_, err := c.Invoke(context.Background(), name)
		assert.Equal(t, domain.ReasonUnknownChannel, reasonOf(t, err), name)
	}
	assert.Zero(t, hits.Load())
}

func TestArgumentsAreCheckedLocally(t *testing.T) {
	c, hits := newClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	_, err := c.Invoke(ctx, "machine:getAll", math.NaN())
	assert.Equal(t, domain.ReasonNotSerializable, reasonOf(t, err))

	_, err = c.Invoke(ctx, "machine:getAll", "OU=\xff\xfe")
	assert.Equal(t, domain.ReasonNotSerializable, reasonOf(t, err))

	_, err = c.Invoke(ctx, "machine:getAll", func() {})
	assert.Equal(t, domain.ReasonNotSerializable, reasonOf(t, err))

	_, err = c.Invoke(ctx, "ad:addToGroup", "alice")
	assert.Equal(t, domain.ReasonInvalidArgument, reasonOf(t, err))

	_, err = c.InvokeRequest(ctx, domain.Request{Channel: "machine:getAll", TimeoutMs: -5})
	assert.Equal(t, domain.ReasonInvalidArgument, reasonOf(t, err))

	assert.Zero(t, hits.Load())
}

func TestRoundTrips(t *testing.T) {
	assert.NoError(t, roundTrips("plain"))
	assert.NoError(t, roundTrips("already � replaced"))
	assert.NoError(t, roundTrips(`literal \ufffd text`))
	assert.NoError(t, roundTrips(map[string]any{"a": []any{1, "b"}}))
	assert.Error(t, roundTrips([]string{"ok", "bad\xc3"}))
	assert.Error(t, roundTrips(math.Inf(1)))
	assert.Error(t, roundTrips(make(chan int)))
}

func TestInvokeDecodesReply(t *testing.T) {
	var got domain.InvokeMessage
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/channels/ad:getGroupMembers/invoke", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"v":1,"request_id":"req-1","outcome":{"ok":true,"data":[{"samAccountName":"alice"}]}}`))
	})
	c.BearerToken = "tok"

	out, err := c.Invoke(context.Background(), "ad:getGroupMembers", "AppLocker-Admins")
	require.NoError(t, err)
	require.True(t, out.OK())
	var members []domain.ADMember
	require.NoError(t, out.Decode(&members))
	assert.Equal(t, "alice", members[0].SamAccountName)

	assert.Equal(t, 1, got.V)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, []any{"AppLocker-Admins"}, got.Args)
}

func TestInvokeFailureReplies(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   domain.ErrorKind
	}{
		{"failure outcome", 200, `{"v":1,"request_id":"req-1","outcome":{"ok":false,"error":{"kind":"NotFound","message":"no such group"}}}`, domain.KindNotFound},
		{"garbage", 200, `<html>proxy error</html>`, domain.KindMalformedResponse},
		{"trailing data", 200, `{"v":1,"request_id":"req-1","outcome":{"ok":true,"data":null}} {}`, domain.KindMalformedResponse},
		{"wrong version", 200, `{"v":2,"request_id":"req-1","outcome":{"ok":true,"data":null}}`, domain.KindMalformedResponse},
		{"wrong request", 200, `{"v":1,"request_id":"other","outcome":{"ok":true,"data":null}}`, domain.KindMalformedResponse},
		{"missing outcome", 200, `{"v":1,"request_id":"req-1"}`, domain.KindMalformedResponse},
		{"null outcome", 200, `{"v":1,"request_id":"req-1","outcome":null}`, domain.KindMalformedResponse},
		{"bad outcome", 200, `{"v":1,"request_id":"req-1","outcome":{"ok":false,"error":{"kind":"Exploded"}}}`, domain.KindMalformedResponse},
		{"server error", 500, `{"error":{"code":"internal","message":"boom"}}`, domain.KindExternalFailure},
		{"rate limited", 429, `{"error":{"code":"rate_limited","message":"slow down"}}`, domain.KindExternalFailure},
		{"no envelope", 404, `404 page not found`, domain.KindExternalFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			out, err := c.Invoke(context.Background(), "machine:getAll")
			require.NoError(t, err)
			require.False(t, out.OK())
			assert.Equal(t, tc.kind, out.Kind())
		})
	}
}

func TestInvokeCallerRejections(t *testing.T) {
	cases := []struct {
		status int
		body   string
		reason domain.CallerReason
	}{
		{403, `{"error":{"code":"forbidden","message":"missing permission"}}`, domain.ReasonForbidden},
		{401, `{"error":{"code":"invalid_credentials","message":"bad token"}}`, domain.ReasonUnauthorized},
		{400, `{"error":{"code":"path_not_allowed","message":"outside allow-list","details":{"arg":"outputDir"}}}`, domain.ReasonPathNotAllowed},
		{400, `{"error":{"code":"unsupported_version","message":"v"}}`, domain.ReasonInvalidArgument},
	}
	for _, tc := range cases {
		c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := c.Invoke(context.Background(), "machine:getAll")
		assert.Equal(t, tc.reason, reasonOf(t, err), tc.body)
	}
}

func TestInvokeTransportFailures(t *testing.T) {
	c := New("http://127.0.0.1:1")
	out, err := c.Invoke(context.Background(), "machine:getAll")
	require.NoError(t, err)
	assert.Equal(t, domain.KindExternalFailure, out.Kind())

	release := make(chan struct{})
	slow, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	out, err = slow.Invoke(ctx, "machine:getAll")
	require.NoError(t, err)
	assert.Equal(t, domain.KindCancelled, out.Kind())

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out, err = slow.Invoke(ctx, "machine:getAll")
	require.NoError(t, err)
	assert.Equal(t, domain.KindTimeout, out.Kind())
}

func TestNonInvokeCallsReturnAPIError(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lb_key", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"ledger_unavailable","message":"no ledger"}}`))
	})
	c.APIKey = "lb_key"

	_, err := c.Invocations(context.Background(), InvocationQuery{Failed: true, Limit: 5})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "ledger_unavailable", apiErr.Code)
}

func TestAgainstBridge(t *testing.T) {
	eng, err := engine.New(nil, config.Default(), registry.Builtin())
	require.NoError(t, err)
	eng.Executor = executor.Func(func(context.Context, domain.CommandLine, time.Duration) domain.RawResult {
		return domain.RawResult{Stdout: []byte(`{"success":true,"data":[{"hostname":"WS1"}]}`)}
	})
	handler, err := server.New(server.Config{Engine: eng, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: "secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	_, err = c.Invoke(context.Background(), "machine:getAll")
	assert.Equal(t, domain.ReasonUnauthorized, reasonOf(t, err))

	token, err := signToken("secret")
	require.NoError(t, err)
	c.BearerToken = token

	out, err := c.Invoke(context.Background(), "machine:getAll")
	require.NoError(t, err)
	require.True(t, out.OK(), "%+v", out.Err())
	assert.JSONEq(t, `[{"hostname":"WS1"}]`, string(out.Data()))

	channels, err := c.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Len(t, channels, registry.Builtin().Len())

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.WireVersion, health.WireVersion)
	assert.False(t, health.Ledger)
}

func signToken(secret string) (string, error) {
	return auth.SignToken(secret, "sdk-test", []string{auth.PermAdmin}, time.Hour, time.Now())
}
