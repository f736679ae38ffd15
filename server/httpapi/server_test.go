package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/migadu/trove/server/relayqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedStats relayqueue.Stats

func (f fixedStats) Stats() (relayqueue.Stats, error) { return relayqueue.Stats(f), nil }

type counter struct{ total, authed int64 }

func (c counter) GetTotalConnections() int64         { return c.total }
func (c counter) GetAuthenticatedConnections() int64 { return c.authed }

func do(t *testing.T, h http.Handler, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	healthy := New(ServerOptions{Checks: map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return nil }),
	}})
	rec := do(t, healthy.Handler(), "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Components["database"])

	degraded := New(ServerOptions{Checks: map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return errors.New("down") }),
	}})
	rec = do(t, degraded.Handler(), "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unavailable", body.Components["database"])
}

func TestRelayStatsRequiresKey(t *testing.T) {
	srv := New(ServerOptions{APIKey: "secret", Queue: fixedStats{Pending: 3, Failed: 1}})
	h := srv.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/relay/stats", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, "/relay/stats", "wrong").Code)

	rec := do(t, h, "/relay/stats", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats relayqueue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, relayqueue.Stats{Pending: 3, Failed: 1}, stats)

	assert.Equal(t, http.StatusOK, do(t, h, "/health", "").Code, "health stays open")
}

func TestRelayStatsWithoutQueue(t *testing.T) {
	rec := do(t, New(ServerOptions{}).Handler(), "/relay/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnections(t *testing.T) {
	h := New(ServerOptions{Connections: map[string]ConnectionCounter{
		"imap": counter{5, 2},
		"pop3": counter{1, 1},
	}}).Handler()

	rec := do(t, h, "/connections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all map[string]connectionCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, connectionCounts{5, 2}, all["imap"])

	rec = do(t, h, "/connections/IMAP", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var one connectionCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, connectionCounts{5, 2}, one)

	assert.Equal(t, http.StatusNotFound, do(t, h, "/connections/lmtp", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, New(ServerOptions{}).Handler(), "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
