package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub/reverify/internal/account"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/store"
	"github.com/openhub/reverify/internal/tracker"
)

func newTestServer(t *testing.T) (*Server, store.Store, *email.MockClient) {
	t.Helper()

	st := store.NewMemory("api-test")
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })

	client := email.NewMockClient()
	srv := NewServer(Config{Enabled: true, Listen: "127.0.0.1:0"}, st, email.NewGateway(client))
	return srv, st, client
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["store"])
}

func TestGetTracker(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	acct := &account.Account{Email: "user@example.com"}
	require.NoError(t, st.CreateAccount(ctx, acct))
	err := st.UpsertTracker(ctx, acct.ID, func(tr *tracker.Tracker, exists bool) error {
		tr.AccountID = acct.ID
		tr.RecordSend(1, "msg-1", time.Now().UTC())
		return nil
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/api/trackers/user@example.com")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "msg-1", body["message_id"])
}

func TestGetTrackerNotFound(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	// Unknown address.
	rec := doRequest(t, srv, http.MethodGet, "/api/trackers/ghost@example.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Known address, never sent to.
	acct := &account.Account{Email: "fresh@example.com"}
	require.NoError(t, st.CreateAccount(ctx, acct))
	rec = doRequest(t, srv, http.MethodGet, "/api/trackers/fresh@example.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, client := newTestServer(t)

	now := time.Now().UTC()
	client.ScriptedQuota = email.Quota{SentLast24h: 120, Max24hSend: 50000}
	client.ScriptedStats = []email.SendStatistic{
		{Timestamp: now.Add(-time.Hour), DeliveryAttempts: 100, Bounces: 4},
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.InDelta(t, 120, body["sent_last_24h"], 0.001)
	assert.InDelta(t, 50000, body["max_24h_send"], 0.001)
	assert.InDelta(t, 4.0, body["bounce_rate_24h"], 0.001)
}

func TestStatsEndpointUpstreamFailure(t *testing.T) {
	srv, _, client := newTestServer(t)
	client.QuotaErr = assert.AnError

	rec := doRequest(t, srv, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
