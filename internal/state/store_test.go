package state

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-net/vigil/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "vigil.db"), 1, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return NewStore(db)
}

func TestUserRoundTripAndLookups(t *testing.T) {
	s := newTestStore(t)

	u := model.User{
		UUID:            "u-1",
		ShortUUID:       "abc123",
		Username:        "Alice",
		Email:           "alice@example.com",
		Status:          model.UserStatusActive,
		HWIDDeviceLimit: 2,
		ExpireAt:        time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Now().UTC(),
		RawData:         json.RawMessage(`{"id":"cp-900","shortUuid":"abc123"}`),
	}
	require.NoError(t, s.UpsertUser(u))

	got, err := s.GetUserByShortUUID("abc123")
	require.NoError(t, err)
	require.Equal(t, "u-1", got.UUID)
	require.Equal(t, model.UserStatusActive, got.Status)

	got, err = s.GetUserByEmail("alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "u-1", got.UUID)

	// Username lookup is case-insensitive.
	got, err = s.GetUserByUsername("ALICE")
	require.NoError(t, err)
	require.Equal(t, "u-1", got.UUID)

	got, err = s.FindUserByRawID("cp-900")
	require.NoError(t, err)
	require.Equal(t, "u-1", got.UUID)

	_, err = s.FindUserByRawID("cp-901")
	require.ErrorIs(t, err, ErrNotFound)

	// Upsert updates in place.
	u.Status = model.UserStatusDisabled
	require.NoError(t, s.UpsertUser(u))
	got, err = s.GetUserByUUID("u-1")
	require.NoError(t, err)
	require.Equal(t, model.UserStatusDisabled, got.Status)
}

func TestFindUserByRawID_SubstringIsNotEnough(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertUser(model.User{
		UUID:    "u-2",
		RawData: json.RawMessage(`{"note":"cp-900 mentioned in free text"}`),
	}))
	_, err := s.FindUserByRawID("cp-900")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNodeTokenLifecycle(t *testing.T) {
	s := newTestStore(t)

	n := model.Node{UUID: "n-1", Name: "edge-1", Address: "10.0.0.1", Port: 443}
	require.NoError(t, s.UpsertNode(n))

	// No token yet.
	_, err := s.GetNodeByAgentToken("")
	require.ErrorIs(t, err, ErrNotFound)

	token, err := s.RotateAgentToken("n-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := s.GetNodeByAgentToken(token)
	require.NoError(t, err)
	require.Equal(t, "n-1", got.UUID)

	// Control-plane refresh does not clobber the token.
	n.Name = "edge-1b"
	require.NoError(t, s.UpsertNode(n))
	got, err = s.GetNodeByAgentToken(token)
	require.NoError(t, err)
	require.Equal(t, "edge-1b", got.Name)

	// Weak custom tokens are rejected.
	_, err = s.RotateAgentToken("n-1", "12345")
	require.Error(t, err)

	// Unknown node.
	_, err = s.RotateAgentToken("n-missing", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordSyncResult("users", model.SyncStatusOK, at, 42, nil))

	m, err := s.GetSyncMetadata("users")
	require.NoError(t, err)
	require.Equal(t, model.SyncStatusOK, m.SyncStatus)
	require.Equal(t, 42, m.RecordsSynced)
	require.True(t, m.LastSyncAt.Equal(at))
	require.Empty(t, m.ErrorMessage)

	require.NoError(t, s.RecordSyncResult("users", model.SyncStatusFailed, at.Add(time.Minute), 0,
		errUpstream))
	m, err = s.GetSyncMetadata("users")
	require.NoError(t, err)
	require.Equal(t, model.SyncStatusFailed, m.SyncStatus)
	require.Equal(t, "upstream unreachable", m.ErrorMessage)
}

var errUpstream = errorString("upstream unreachable")

type errorString string

func (e errorString) Error() string { return string(e) }

func TestASNRecords(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureASNTable("ru"))

	now := time.Now().UTC()
	n, err := s.UpsertASNRecords("ru", []model.ASNRecord{
		{ASN: 25513, OrgName: "MGTS", ProviderType: model.ProviderISP, CountryCode: "RU", IsActive: true, LastSyncedAt: now},
		{ASN: 25159, OrgName: "Yota", ProviderType: model.ProviderMobileISP, CountryCode: "RU", IsActive: true, LastSyncedAt: now},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	r, err := s.GetASNRecord("ru", 25159)
	require.NoError(t, err)
	require.Equal(t, model.ProviderMobileISP, r.ProviderType)

	_, err = s.GetASNRecord("ru", 1)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetASNRecord("RU!", 1)
	require.Error(t, err)
}

func TestNilStoreDegradesGracefully(t *testing.T) {
	var s *Store
	require.ErrorIs(t, s.UpsertUser(model.User{UUID: "x"}), ErrNotConnected)
	require.ErrorIs(t, s.Ping(), ErrNotConnected)
	require.False(t, s.Connected())
	require.NoError(t, s.Close())
}
