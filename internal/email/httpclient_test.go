package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/send", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var tmpl Template
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tmpl))
		assert.Equal(t, "user@example.com", tmpl.To)

		json.NewEncoder(w).Encode(sendResponse{MessageID: "msg-42"})
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL, Token: "secret"})
	id, err := client.Send(context.Background(), Template{To: "user@example.com", Subject: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "msg-42", id)
}

func TestHTTPClientSendServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL})
	_, err := client.Send(context.Background(), Template{To: "user@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPClientQuotaAndStatistics(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/quota":
			json.NewEncoder(w).Encode(Quota{SentLast24h: 40, Max24hSend: 50})
		case "/v1/statistics":
			json.NewEncoder(w).Encode(statisticsResponse{Points: []SendStatistic{
				{Timestamp: now, DeliveryAttempts: 100, Bounces: 6},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL})
	ctx := context.Background()

	quota, err := client.Quota(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50.0, quota.Max24hSend)

	stats, err := client.Statistics(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(6), stats[0].Bounces)
	assert.True(t, stats[0].Timestamp.Equal(now))
}
