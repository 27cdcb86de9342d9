package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vigil-net/vigil/internal/model"
)

const userColumns = `uuid, short_uuid, username, subscription_uuid, telegram_id, email,
	status, expire_at_ns, traffic_limit_bytes, used_traffic_bytes, hwid_device_limit,
	created_at_ns, updated_at_ns, raw_data_json`

// UpsertUser writes a mirrored user row. Only the sync worker calls this.
func (s *Store) UpsertUser(u model.User) error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	raw := string(u.RawData)
	if raw == "" {
		raw = "{}"
	}
	_, err := s.db.Exec(`INSERT INTO users (`+userColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(uuid) DO UPDATE SET
			short_uuid=excluded.short_uuid,
			username=excluded.username,
			subscription_uuid=excluded.subscription_uuid,
			telegram_id=excluded.telegram_id,
			email=excluded.email,
			status=excluded.status,
			expire_at_ns=excluded.expire_at_ns,
			traffic_limit_bytes=excluded.traffic_limit_bytes,
			used_traffic_bytes=excluded.used_traffic_bytes,
			hwid_device_limit=excluded.hwid_device_limit,
			updated_at_ns=excluded.updated_at_ns,
			raw_data_json=excluded.raw_data_json`,
		u.UUID, u.ShortUUID, u.Username, u.SubscriptionUUID, u.TelegramID, u.Email,
		string(u.Status), toNs(u.ExpireAt), u.TrafficLimitBytes, u.UsedTrafficBytes,
		u.HWIDDeviceLimit, toNs(u.CreatedAt), toNs(u.UpdatedAt), raw,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.UUID, err)
	}
	return nil
}

// DeleteUser removes a mirrored user. The ledger's foreign key cascades.
func (s *Store) DeleteUser(userUUID string) error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	if _, err := s.db.Exec(`DELETE FROM users WHERE uuid = ?`, userUUID); err != nil {
		return fmt.Errorf("delete user %s: %w", userUUID, err)
	}
	return nil
}

// GetUserByUUID looks up a user by primary identity.
func (s *Store) GetUserByUUID(userUUID string) (*model.User, error) {
	return s.getUserWhere(`uuid = ?`, userUUID)
}

// GetUserByShortUUID looks up a user by short uuid.
func (s *Store) GetUserByShortUUID(shortUUID string) (*model.User, error) {
	return s.getUserWhere(`short_uuid = ?`, shortUUID)
}

// GetUserByEmail looks up a user by email.
func (s *Store) GetUserByEmail(email string) (*model.User, error) {
	return s.getUserWhere(`email = ?`, email)
}

// GetUserByUsername looks up a user by username, case-insensitively.
func (s *Store) GetUserByUsername(username string) (*model.User, error) {
	return s.getUserWhere(`username = ? COLLATE NOCASE`, username)
}

// FindUserByRawID scans the opaque upstream payloads for a user whose raw
// data carries the given id. Last-resort identity resolution step; the
// payload shape is upstream-defined, so this is a substring probe followed
// by an exact check against the decoded document.
func (s *Store) FindUserByRawID(id string) (*model.User, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConnected
	}
	if id == "" {
		return nil, ErrNotFound
	}
	rows, err := s.db.Query(`SELECT `+userColumns+` FROM users
		WHERE raw_data_json LIKE ? LIMIT 50`, "%"+id+"%")
	if err != nil {
		return nil, fmt.Errorf("find user by raw id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			continue
		}
		if rawDataHasID(u.RawData, id) {
			return u, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find user by raw id: %w", err)
	}
	return nil, ErrNotFound
}

func (s *Store) getUserWhere(where string, args ...any) (*model.User, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConnected
	}
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE `+where, args...)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*model.User, error) {
	var u model.User
	var status, raw string
	var expireNs, createdNs, updatedNs int64
	err := r.Scan(
		&u.UUID, &u.ShortUUID, &u.Username, &u.SubscriptionUUID, &u.TelegramID, &u.Email,
		&status, &expireNs, &u.TrafficLimitBytes, &u.UsedTrafficBytes, &u.HWIDDeviceLimit,
		&createdNs, &updatedNs, &raw,
	)
	if err != nil {
		return nil, err
	}
	u.Status = model.UserStatus(status)
	u.ExpireAt = fromNs(expireNs)
	u.CreatedAt = fromNs(createdNs)
	u.UpdatedAt = fromNs(updatedNs)
	u.RawData = json.RawMessage(raw)
	return &u, nil
}

// rawDataHasID reports whether the decoded raw payload contains id under
// one of the upstream identity keys.
func rawDataHasID(raw json.RawMessage, id string) bool {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	for _, key := range []string{"id", "userId", "user_id", "shortUuid", "short_uuid"} {
		v, ok := doc[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if strings.EqualFold(val, id) {
				return true
			}
		case float64:
			if fmt.Sprintf("%.0f", val) == id {
				return true
			}
		}
	}
	return false
}
