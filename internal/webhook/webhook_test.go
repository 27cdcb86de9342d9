package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vigil-net/vigil/internal/notify"
	"github.com/vigil-net/vigil/internal/state"
	"github.com/vigil-net/vigil/internal/syncworker"
)

const secret = "webhook-shared-secret"

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) Send(_ context.Context, _ notify.Route, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func newTestServer(t *testing.T) (*Server, *state.Store, *captureSender) {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "vigil.db"), 1, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, state.Migrate(db))
	store := state.NewStore(db)

	worker := syncworker.New(nil, store, 0, nil)
	sender := &captureSender{}
	dispatcher := notify.New(sender, notify.RoutesFromEnv("-100", nil), nil)
	t.Cleanup(dispatcher.Stop)

	return NewServer(0, secret, worker, dispatcher), store, sender
}

func post(t *testing.T, s *Server, sig string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func hmacHex(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestLiteralSecretAccepted(t *testing.T) {
	s, store, _ := newTestServer(t)
	body := []byte(`{"event":"user.created","data":{"uuid":"u-1","shortUuid":"4b2f","username":"alice","status":"ACTIVE"}}`)

	rec := post(t, s, secret, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	u, err := store.GetUserByUUID("u-1")
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
}

func TestHMACSignatureAccepted(t *testing.T) {
	s, store, _ := newTestServer(t)
	body := []byte(`{"event":"node.created","data":{"uuid":"n-1","name":"edge-1"}}`)

	rec := post(t, s, hmacHex(body), body)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := store.GetNodeByUUID("n-1")
	require.NoError(t, err)
}

func TestBadSignatureRejected(t *testing.T) {
	s, store, _ := newTestServer(t)
	body := []byte(`{"event":"user.created","data":{"uuid":"u-1","username":"alice"}}`)

	require.Equal(t, http.StatusUnauthorized, post(t, s, "wrong", body).Code)
	require.Equal(t, http.StatusUnauthorized, post(t, s, "", body).Code)

	_, err := store.GetUserByUUID("u-1")
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestMalformedBodyRejected(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := []byte(`{not json`)
	require.Equal(t, http.StatusUnprocessableEntity, post(t, s, hmacHex(body), body).Code)

	empty := []byte(`{"data":{}}`)
	require.Equal(t, http.StatusUnprocessableEntity, post(t, s, hmacHex(empty), empty).Code)
}

func TestDeleteEventRemovesRow(t *testing.T) {
	s, store, _ := newTestServer(t)

	created := []byte(`{"event":"user.created","data":{"uuid":"u-1","shortUuid":"4b2f","username":"alice","status":"ACTIVE"}}`)
	require.Equal(t, http.StatusOK, post(t, s, secret, created).Code)

	deleted := []byte(`{"event":"user.deleted","data":{"uuid":"u-1"}}`)
	require.Equal(t, http.StatusOK, post(t, s, secret, deleted).Code)

	_, err := store.GetUserByUUID("u-1")
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestLifecycleNotificationWithDiff(t *testing.T) {
	s, _, sender := newTestServer(t)
	body := []byte(`{"event":"user.modified","data":{
		"uuid":"u-1","shortUuid":"4b2f","username":"alice","status":"DISABLED",
		"old_state":{"uuid":"u-1","shortUuid":"4b2f","username":"alice","status":"ACTIVE"}
	}}`)

	require.Equal(t, http.StatusOK, post(t, s, secret, body).Code)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 1)
	require.Contains(t, sender.sent[0], "user.modified: alice")
	require.Contains(t, sender.sent[0], "status: ACTIVE -> DISABLED")
}
