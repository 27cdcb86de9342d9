package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-net/vigil/internal/detector"
	"github.com/vigil-net/vigil/internal/ledger"
	"github.com/vigil-net/vigil/internal/model"
	"github.com/vigil-net/vigil/internal/monitor"
	"github.com/vigil-net/vigil/internal/notify"
	"github.com/vigil-net/vigil/internal/state"
)

type countingSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *countingSender) Send(_ context.Context, _ notify.Route, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fixture struct {
	server *Server
	store  *state.Store
	ledger *ledger.Ledger
	sender *countingSender
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "vigil.db"), 1, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, state.Migrate(db))

	store := state.NewStore(db)
	require.NoError(t, store.UpsertUser(model.User{
		UUID: "u-1", ShortUUID: "4b2f", Username: "alice", Email: "alice@example.com",
		HWIDDeviceLimit: 1,
	}))
	require.NoError(t, store.UpsertNode(model.Node{UUID: "n-1", Name: "edge-1"}))
	token, err := store.RotateAgentToken("n-1", "")
	require.NoError(t, err)

	l := ledger.New(db, nil)
	mon := monitor.New(l)
	det := detector.New(l, nil, nil)

	sender := &countingSender{}
	routes := notify.RoutesFromEnv("-100", map[string]string{"violations": "17"})
	dispatcher := notify.New(sender, routes, nil)
	t.Cleanup(dispatcher.Stop)

	metrics := NewMetrics()
	pipeline := NewPipeline(store, l, mon, det, dispatcher, metrics)
	return &fixture{
		server: NewServer(0, store, pipeline, metrics),
		store:  store,
		ledger: l,
		sender: sender,
		token:  token,
	}
}

func (f *fixture) post(t *testing.T, token string, batch any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections/batch", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func batchFor(node string, reports ...model.ConnectionReport) model.BatchReport {
	return model.BatchReport{
		NodeUUID:    node,
		Timestamp:   time.Now().UTC(),
		Connections: reports,
	}
}

func rep(email, ip string, at time.Time) model.ConnectionReport {
	return model.ConnectionReport{UserEmail: email, IPAddress: ip, NodeUUID: "n-1", ConnectedAt: at}
}

func TestBatchRequiresBearer(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "", batchFor("n-1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections/batch", bytes.NewReader([]byte("{}")))
	req.Header.Set("Authorization", "Basic abc")
	rec2 := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusUnauthorized, rec2.Code)

	// No insert happened.
	active, err := f.ledger.Active("u-1", 0)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestBatchUnknownTokenIsForbidden(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "not-a-token", batchFor("n-1", rep("user_4b2f", "1.1.1.1", time.Now().UTC())))
	require.Equal(t, http.StatusForbidden, rec.Code)

	active, err := f.ledger.Active("u-1", 0)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestBatchNodeMismatchIsForbidden(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertNode(model.Node{UUID: "n-2", Name: "edge-2"}))

	// Valid token for n-1 claiming to be n-2.
	rec := f.post(t, f.token, batchFor("n-2", rep("user_4b2f", "1.1.1.1", time.Now().UTC())))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "FORBIDDEN", body.Error.Code)
}

func TestBatchSchemaError(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections/batch", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBatchHappyPath(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	rec := f.post(t, f.token, batchFor("n-1",
		rep("user_4b2f", "1.1.1.1", now.Add(-time.Minute)),
		rep("user_nobody", "2.2.2.2", now),
	))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, 1, resp.Processed)
	require.Equal(t, 1, resp.Errors)
	require.Equal(t, "n-1", resp.NodeUUID)

	active, err := f.ledger.Active("u-1", 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "1.1.1.1", active[0].IPAddress)
	require.True(t, active[0].ConnectedAt.Equal(now.Add(-time.Minute)))

	seen, ok := f.server.NodeLastSeen("n-1")
	require.True(t, ok)
	require.WithinDuration(t, time.Now().UTC(), seen, 5*time.Second)
}

func TestBatchIdentityResolutionFallbacks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertUser(model.User{
		UUID: "u-2", ShortUUID: "s2", Username: "bob", Email: "bob@example.com",
	}))
	require.NoError(t, f.store.UpsertUser(model.User{
		UUID: "u-3", ShortUUID: "s3", Username: "carol",
		RawData: json.RawMessage(`{"id": "raw77"}`),
	}))
	now := time.Now().UTC()

	rec := f.post(t, f.token, batchFor("n-1",
		rep("bob@example.com", "3.3.3.3", now),
		rep("user_raw77", "4.4.4.4", now),
	))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Processed)
	require.Zero(t, resp.Errors)
}

func TestNormalHandoffClosesStaleRow(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	_, err := f.ledger.Insert("u-1", "1.1.1.1", "n-1", now.Add(-6*time.Minute), nil)
	require.NoError(t, err)

	rec := f.post(t, f.token, batchFor("n-1", rep("user_4b2f", "2.2.2.2", now)))
	require.Equal(t, http.StatusOK, rec.Code)

	active, err := f.ledger.Active("u-1", 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "2.2.2.2", active[0].IPAddress)
	require.Zero(t, f.sender.count(), "clean handoff must not notify")
}

func TestTrueSimultaneityDispatchesOnce(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	reports := make([]model.ConnectionReport, 0, 5)
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}
	for i, ip := range ips {
		reports = append(reports, rep("user_4b2f", ip, now.Add(time.Duration(i-5)*10*time.Second)))
	}

	rec := f.post(t, f.token, batchFor("n-1", reports...))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.sender.count())
	require.Contains(t, f.sender.sent[0], "hard_block")

	// An identical batch right after is throttled.
	rec = f.post(t, f.token, batchFor("n-1", reports...))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.sender.count())
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.True(t, resp.DatabaseConnected)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.post(t, f.token, batchFor("n-1", rep("user_4b2f", "1.1.1.1", time.Now().UTC())))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "vigil_batches_total")
}
