package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-net/vigil/internal/model"
)

func report(user, ip string) model.ConnectionReport {
	return model.ConnectionReport{
		UserEmail:   user,
		IPAddress:   ip,
		NodeUUID:    "n-1",
		ConnectedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
}

func newTestReporter(t *testing.T, handler http.HandlerFunc) (*Reporter, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return New(Config{
		CollectorURL:    srv.URL,
		AgentToken:      "secret-token",
		NodeUUID:        "n-1",
		QueueCap:        8,
		MaxRetryElapsed: 2 * time.Second,
	}), &calls
}

func TestFlushSendsBatch(t *testing.T) {
	var got model.BatchReport
	var auth string
	r, calls := newTestReporter(t, func(w http.ResponseWriter, req *http.Request) {
		auth = req.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	r.Enqueue([]model.ConnectionReport{report("user_1", "1.1.1.1"), report("user_2", "2.2.2.2")})
	require.NoError(t, r.Flush(context.Background()))

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, "Bearer secret-token", auth)
	require.Equal(t, "n-1", got.NodeUUID)
	require.Len(t, got.Connections, 2)
	require.EqualValues(t, 2, r.Sent.Value())
	require.Zero(t, r.Pending())
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	r, calls := newTestReporter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, r.Flush(context.Background()))
	require.Zero(t, calls.Load())
}

func TestFlushRetriesServerErrors(t *testing.T) {
	var n atomic.Int64
	r, calls := newTestReporter(t, func(w http.ResponseWriter, _ *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Enqueue([]model.ConnectionReport{report("user_1", "1.1.1.1")})
	require.NoError(t, r.Flush(context.Background()))
	require.EqualValues(t, 3, calls.Load())
	require.EqualValues(t, 1, r.Sent.Value())
}

func TestFlushDropsOnUnauthorized(t *testing.T) {
	r, calls := newTestReporter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	r.Enqueue([]model.ConnectionReport{report("user_1", "1.1.1.1")})
	err := r.Flush(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	// Permanent: exactly one attempt, batch gone.
	require.EqualValues(t, 1, calls.Load())
	require.Zero(t, r.Pending())
	require.Zero(t, r.Sent.Value())
}

func TestEnqueueOverflowDrops(t *testing.T) {
	r := New(Config{CollectorURL: "http://collector.invalid", NodeUUID: "n-1", QueueCap: 2})

	r.Enqueue([]model.ConnectionReport{
		report("user_1", "1.1.1.1"),
		report("user_2", "2.2.2.2"),
		report("user_3", "3.3.3.3"),
	})
	require.Equal(t, 2, r.Pending())
	require.EqualValues(t, 1, r.Dropped.Value())
}
