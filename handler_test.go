package calnotify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, ctx context.Context, endpoint string) (*App, Storage, *memoryNotification) {
	t.Helper()
	storage, snapshots, ledger, graph, notification := newTestComponents(t, ctx, endpoint)
	app, err := New(AppOption{
		Webhook:            "https://example.com/webhook",
		Expiration:         72 * time.Hour,
		RenewalLookahead:   48 * time.Hour,
		RenewalConcurrency: 4,
		FingerprintTTL:     24 * time.Hour,
		FetchTimeout:       15 * time.Second,
	}, storage, snapshots, ledger, graph, graph, notification, &Config{}, nil)
	require.NoError(t, err)
	return app, storage, notification
}

func TestHandlerValidationHandshake(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	app, _, _ := newTestApp(t, ctx, server.URL)

	req := httptest.NewRequest(http.MethodPost, "/?validationToken=abc123", nil)
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	require.Equal(t, "abc123", rr.Body.String())
}

func TestHandlerValidationHandshakeEmptyToken(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	app, _, _ := newTestApp(t, ctx, server.URL)

	req := httptest.NewRequest(http.MethodPost, "/?validationToken=", nil)
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	require.Empty(t, rr.Body.String())
}

func TestHandlerMalformedBody(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	app, _, _ := newTestApp(t, ctx, server.URL)

	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "this is not json"},
		{name: "empty object", body: "{}"},
		{name: "null batch", body: `{"value":null}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(c.body))
			rr := httptest.NewRecorder()
			app.ServeHTTP(rr, req)
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestHandlerEmptyBatchAccepted(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	app, _, notification := newTestApp(t, ctx, server.URL)

	// zero notifications is still a well-formed batch
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"value":[]}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, app.Close())
	require.Empty(t, notification.Details())
}

func TestHandlerAcceptsBatch(t *testing.T) {
	ctx := context.Background()
	server, stub := NewStub(t)
	defer server.Close()
	app, storage, notification := newTestApp(t, ctx, server.URL)
	testSubscription(t, ctx, storage)

	stub.SetEvent("ev-1", `W/"v1"`, newStubInvitee("alice@example.com", "accepted"))

	body := `{"value":[{"subscriptionId":"sub-1","changeType":"updated","resource":"users/alice@example.com/events/ev-1","resourceData":{"id":"ev-1","@odata.etag":"W/\"v1\""},"clientState":"expected-secret"}]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, app.Close(), "wait for detached processing")
	// first observation is the baseline, nothing is delivered yet
	require.Empty(t, notification.Details())

	stub.SetEvent("ev-1", `W/"v2"`, newStubInvitee("alice@example.com", "declined"))
	body = strings.ReplaceAll(body, `W/\"v1\"`, `W/\"v2\"`)
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	app.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, app.Close())
	details := notification.Details()
	require.Len(t, details, 1)
	require.Equal(t, DetailTypeAttendeeResponseChanged, DetailType(details[0]))
}

func TestHandlerHealth(t *testing.T) {
	ctx := context.Background()
	server, _ := NewStub(t)
	defer server.Close()
	app, _, _ := newTestApp(t, ctx, server.URL)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	app.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
