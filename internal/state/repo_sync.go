package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vigil-net/vigil/internal/model"
)

// RecordSyncResult upserts the sync_metadata row for an entity class.
func (s *Store) RecordSyncResult(key string, status model.SyncStatus, at time.Time, records int, syncErr error) error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	_, err := s.db.Exec(`INSERT INTO sync_metadata (key, last_sync_at_ns, sync_status, error_message, records_synced)
		VALUES (?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			last_sync_at_ns=excluded.last_sync_at_ns,
			sync_status=excluded.sync_status,
			error_message=excluded.error_message,
			records_synced=excluded.records_synced`,
		key, toNs(at), string(status), msg, records,
	)
	if err != nil {
		return fmt.Errorf("record sync result %s: %w", key, err)
	}
	return nil
}

// GetSyncMetadata returns the sync progress row for an entity class.
func (s *Store) GetSyncMetadata(key string) (*model.SyncMetadata, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConnected
	}
	row := s.db.QueryRow(`SELECT key, last_sync_at_ns, sync_status, error_message, records_synced
		FROM sync_metadata WHERE key = ?`, key)

	var m model.SyncMetadata
	var ns int64
	var status string
	err := row.Scan(&m.Key, &ns, &status, &m.ErrorMessage, &m.RecordsSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync metadata %s: %w", key, err)
	}
	m.LastSyncAt = fromNs(ns)
	m.SyncStatus = model.SyncStatus(status)
	return &m, nil
}
