package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vigil-net/vigil/internal/config"
	"github.com/vigil-net/vigil/internal/model"
)

const nodeColumns = `uuid, name, address, port, is_disabled, is_connected,
	traffic_limit_bytes, traffic_used_bytes, updated_at_ns, agent_token, raw_data_json`

// UpsertNode writes a mirrored node row. The agent token is deliberately
// not part of the upsert: it survives control-plane refreshes and changes
// only through RotateAgentToken.
func (s *Store) UpsertNode(n model.Node) error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	raw := string(n.RawData)
	if raw == "" {
		raw = "{}"
	}
	_, err := s.db.Exec(`INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,NULL,?)
		ON CONFLICT(uuid) DO UPDATE SET
			name=excluded.name,
			address=excluded.address,
			port=excluded.port,
			is_disabled=excluded.is_disabled,
			is_connected=excluded.is_connected,
			traffic_limit_bytes=excluded.traffic_limit_bytes,
			traffic_used_bytes=excluded.traffic_used_bytes,
			updated_at_ns=excluded.updated_at_ns,
			raw_data_json=excluded.raw_data_json`,
		n.UUID, n.Name, n.Address, n.Port, boolToInt(n.IsDisabled), boolToInt(n.IsConnected),
		n.TrafficLimitBytes, n.TrafficUsedBytes, toNs(n.UpdatedAt), raw,
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.UUID, err)
	}
	return nil
}

// DeleteNode removes a mirrored node. Ledger rows keep their history with
// node_uuid set to NULL by the foreign key.
func (s *Store) DeleteNode(nodeUUID string) error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	if _, err := s.db.Exec(`DELETE FROM nodes WHERE uuid = ?`, nodeUUID); err != nil {
		return fmt.Errorf("delete node %s: %w", nodeUUID, err)
	}
	return nil
}

// GetNodeByUUID looks up a node by identity.
func (s *Store) GetNodeByUUID(nodeUUID string) (*model.Node, error) {
	return s.getNodeWhere(`uuid = ?`, nodeUUID)
}

// GetNodeByAgentToken resolves the node that owns the given bearer token.
// Empty tokens never match.
func (s *Store) GetNodeByAgentToken(token string) (*model.Node, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getNodeWhere(`agent_token = ?`, token)
}

// RotateAgentToken sets a fresh agent token for the node and returns it.
// When custom is non-empty it is used instead of a generated token, after
// a strength check. This is the only write path for agent_token.
func (s *Store) RotateAgentToken(nodeUUID, custom string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrNotConnected
	}
	token := custom
	if token == "" {
		token = uuid.NewString() + "." + uuid.NewString()[:8]
	} else if config.IsWeakToken(token) {
		return "", fmt.Errorf("rotate agent token: custom token is too weak")
	}
	res, err := s.db.Exec(`UPDATE nodes SET agent_token = ? WHERE uuid = ?`, token, nodeUUID)
	if err != nil {
		return "", fmt.Errorf("rotate agent token for %s: %w", nodeUUID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

// SetNodeConnected flips the liveness flag maintained by the collector.
func (s *Store) SetNodeConnected(nodeUUID string, connected bool) error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	_, err := s.db.Exec(`UPDATE nodes SET is_connected = ? WHERE uuid = ?`,
		boolToInt(connected), nodeUUID)
	if err != nil {
		return fmt.Errorf("set node connected %s: %w", nodeUUID, err)
	}
	return nil
}

func (s *Store) getNodeWhere(where string, args ...any) (*model.Node, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConnected
	}
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE `+where, args...)

	var n model.Node
	var disabled, connected int
	var updatedNs int64
	var token sql.NullString
	var raw string
	err := row.Scan(
		&n.UUID, &n.Name, &n.Address, &n.Port, &disabled, &connected,
		&n.TrafficLimitBytes, &n.TrafficUsedBytes, &updatedNs, &token, &raw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	n.IsDisabled = disabled != 0
	n.IsConnected = connected != 0
	n.UpdatedAt = fromNs(updatedNs)
	if token.Valid {
		n.AgentToken = token.String
	}
	n.RawData = json.RawMessage(raw)
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
