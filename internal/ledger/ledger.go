// Package ledger implements the append-only connection store. Rows are
// immutable except for the single transition disconnected_at NULL → now;
// the stale-closure sweep is the only mechanism that terminates sessions
// because the tunnel log carries no disconnect events.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vigil-net/vigil/internal/model"
)

const (
	// ActiveWindow bounds the active set: open rows older than this are
	// stale and get closed opportunistically.
	ActiveWindow = 5 * time.Minute

	// sweepScanLimit bounds one stale-closure sweep per user.
	sweepScanLimit = 1000
)

// Ledger provides the connection-table operations over an open database.
type Ledger struct {
	db    *sql.DB
	clock clockwork.Clock
}

// New creates a Ledger. A nil clock means the real clock.
func New(db *sql.DB, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{db: db, clock: clock}
}

const connColumns = `id, user_uuid, ip_address, node_uuid, connected_at_ns, disconnected_at_ns, device_info_json`

// Insert writes a new open row and returns its id. connectedAt comes from
// the report, never from the server clock.
func (l *Ledger) Insert(userUUID, ip, nodeUUID string, connectedAt time.Time, deviceInfo json.RawMessage) (int64, error) {
	var device any
	if len(deviceInfo) > 0 {
		device = string(deviceInfo)
	}
	var node any
	if nodeUUID != "" {
		node = nodeUUID
	}
	res, err := l.db.Exec(`INSERT INTO user_connections
		(user_uuid, ip_address, node_uuid, connected_at_ns, disconnected_at_ns, device_info_json)
		VALUES (?,?,?,?,NULL,?)`,
		userUUID, ip, node, connectedAt.UTC().UnixNano(), device,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger insert id: %w", err)
	}
	return id, nil
}

// Close performs the atomic NULL → now transition on disconnected_at.
// Idempotent: already-closed rows are left unchanged.
func (l *Ledger) Close(id int64) error {
	_, err := l.db.Exec(`UPDATE user_connections SET disconnected_at_ns = ?
		WHERE id = ? AND disconnected_at_ns IS NULL`,
		l.clock.Now().UTC().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("ledger close %d: %w", id, err)
	}
	return nil
}

// Active returns the user's open rows newer than now − maxAge, newest
// first. maxAge <= 0 falls back to ActiveWindow.
func (l *Ledger) Active(userUUID string, maxAge time.Duration) ([]model.Connection, error) {
	if maxAge <= 0 {
		maxAge = ActiveWindow
	}
	cutoff := l.clock.Now().Add(-maxAge).UnixNano()
	rows, err := l.db.Query(`SELECT `+connColumns+` FROM user_connections
		WHERE user_uuid = ? AND disconnected_at_ns IS NULL AND connected_at_ns > ?
		ORDER BY connected_at_ns DESC`,
		userUUID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger active: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

// History returns all rows with connected_at in the window, newest first.
func (l *Ledger) History(userUUID string, window time.Duration) ([]model.Connection, error) {
	cutoff := l.clock.Now().Add(-window).UnixNano()
	rows, err := l.db.Query(`SELECT `+connColumns+` FROM user_connections
		WHERE user_uuid = ? AND connected_at_ns > ?
		ORDER BY connected_at_ns DESC`,
		userUUID, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

// UniqueIPs counts distinct IPs seen for the user in the last N hours.
func (l *Ledger) UniqueIPs(userUUID string, hours int) (int, error) {
	cutoff := l.clock.Now().Add(-time.Duration(hours) * time.Hour).UnixNano()
	var n int
	err := l.db.QueryRow(`SELECT COUNT(DISTINCT ip_address) FROM user_connections
		WHERE user_uuid = ? AND connected_at_ns > ?`,
		userUUID, cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger unique ips: %w", err)
	}
	return n, nil
}

// SweepStale closes the user's open rows that are older than ActiveWindow
// and whose IP is not among reportedIPs (the IPs just seen in the current
// batch). Runs after the batch rows are inserted, so a new IP from the
// batch is never closed as stale. The scan is bounded to sweepScanLimit
// rows per invocation. Returns the number of rows closed.
func (l *Ledger) SweepStale(userUUID string, reportedIPs map[string]struct{}) (int, error) {
	cutoff := l.clock.Now().Add(-ActiveWindow).UnixNano()
	rows, err := l.db.Query(`SELECT id, ip_address FROM user_connections
		WHERE user_uuid = ? AND disconnected_at_ns IS NULL AND connected_at_ns <= ?
		ORDER BY connected_at_ns ASC LIMIT ?`,
		userUUID, cutoff, sweepScanLimit,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger sweep: %w", err)
	}

	type candidate struct {
		id int64
		ip string
	}
	var stale []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.ip); err != nil {
			continue
		}
		if _, seen := reportedIPs[c.ip]; seen {
			continue
		}
		stale = append(stale, c)
	}
	scanErr := rows.Err()
	rows.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("ledger sweep scan: %w", scanErr)
	}

	closed := 0
	for _, c := range stale {
		if err := l.Close(c.id); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

func scanConnections(rows *sql.Rows) ([]model.Connection, error) {
	var out []model.Connection
	for rows.Next() {
		var c model.Connection
		var node sql.NullString
		var connectedNs int64
		var disconnectedNs sql.NullInt64
		var device sql.NullString
		if err := rows.Scan(&c.ID, &c.UserUUID, &c.IPAddress, &node, &connectedNs, &disconnectedNs, &device); err != nil {
			return nil, fmt.Errorf("ledger scan: %w", err)
		}
		if node.Valid {
			c.NodeUUID = node.String
		}
		c.ConnectedAt = time.Unix(0, connectedNs).UTC()
		if disconnectedNs.Valid {
			t := time.Unix(0, disconnectedNs.Int64).UTC()
			c.DisconnectedAt = &t
		}
		if device.Valid {
			c.DeviceInfo = json.RawMessage(device.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
