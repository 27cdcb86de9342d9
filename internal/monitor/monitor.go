// Package monitor derives per-user connection statistics from the ledger:
// active counts, unique-IP windows and simultaneity. The ledger is the
// source of truth; nothing here is cached.
package monitor

import (
	"time"

	"github.com/vigil-net/vigil/internal/ledger"
	"github.com/vigil-net/vigil/internal/model"
)

const (
	// simultaneityGap is the maximum distance from the earliest member of
	// a group for a row to join it.
	simultaneityGap = 2 * time.Minute

	// sequentialGap between consecutive rows starts a new group: an
	// app-level reroute is sequential use, not simultaneous use.
	sequentialGap = 5 * time.Minute

	// aliasGap treats sub-0.1s gaps as zero (log-timestamp aliasing).
	aliasGap = 100 * time.Millisecond
)

// Monitor computes derivations over the connection ledger.
type Monitor struct {
	ledger *ledger.Ledger
}

// New creates a Monitor over the given ledger.
func New(l *ledger.Ledger) *Monitor {
	return &Monitor{ledger: l}
}

// Stats is the per-user snapshot handed to the violation detector.
type Stats struct {
	ActiveConnections int `json:"active_connections"`
	UniqueIPs24h      int `json:"unique_ips_24h"`
	Simultaneous      int `json:"simultaneous_connections"`
}

// Collect gathers the full snapshot for one user.
func (m *Monitor) Collect(userUUID string) (Stats, error) {
	active, err := m.ledger.Active(userUUID, 0)
	if err != nil {
		return Stats{}, err
	}
	unique, err := m.ledger.UniqueIPs(userUUID, 24)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ActiveConnections: len(active),
		UniqueIPs24h:      unique,
		Simultaneous:      SimultaneousCount(active),
	}, nil
}

// ActiveConnectionsCount returns the size of the user's active set.
func (m *Monitor) ActiveConnectionsCount(userUUID string) (int, error) {
	active, err := m.ledger.Active(userUUID, 0)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// UniqueIPsInWindow counts distinct IPs in the last N minutes.
func (m *Monitor) UniqueIPsInWindow(userUUID string, minutes int) (int, error) {
	hist, err := m.ledger.History(userUUID, time.Duration(minutes)*time.Minute)
	if err != nil {
		return 0, err
	}
	seen := map[string]struct{}{}
	for _, c := range hist {
		seen[c.IPAddress] = struct{}{}
	}
	return len(seen), nil
}

// SimultaneousConnections returns the simultaneity count over the active set.
func (m *Monitor) SimultaneousConnections(userUUID string) (int, error) {
	active, err := m.ledger.Active(userUUID, 0)
	if err != nil {
		return 0, err
	}
	return SimultaneousCount(active), nil
}

// SimultaneityGroups partitions connections (any input order) into groups:
// a row joins the current group iff it is within 2 minutes of the group's
// earliest member and less than 5 minutes after the previous member.
// Gaps below 0.1s are treated as zero.
func SimultaneityGroups(conns []model.Connection) [][]model.Connection {
	if len(conns) == 0 {
		return nil
	}
	sorted := make([]model.Connection, len(conns))
	copy(sorted, conns)
	sortByConnectedAt(sorted)

	var groups [][]model.Connection
	group := []model.Connection{sorted[0]}
	start := sorted[0].ConnectedAt
	prev := sorted[0].ConnectedAt

	for _, c := range sorted[1:] {
		gap := c.ConnectedAt.Sub(prev)
		if gap < aliasGap {
			gap = 0
		}
		if gap < sequentialGap && c.ConnectedAt.Sub(start) <= simultaneityGap {
			group = append(group, c)
		} else {
			groups = append(groups, group)
			group = []model.Connection{c}
			start = c.ConnectedAt
		}
		prev = c.ConnectedAt
	}
	return append(groups, group)
}

// SimultaneousCount returns the maximum number of distinct IPs across
// groups of size >= 2, or 1 when every group is a singleton (and 0 for an
// empty input).
func SimultaneousCount(conns []model.Connection) int {
	groups := SimultaneityGroups(conns)
	if len(groups) == 0 {
		return 0
	}
	max := 1
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		ips := map[string]struct{}{}
		for _, c := range g {
			ips[c.IPAddress] = struct{}{}
		}
		if len(ips) > max {
			max = len(ips)
		}
	}
	return max
}

func sortByConnectedAt(conns []model.Connection) {
	// Insertion sort: active sets are tiny and usually nearly sorted.
	for i := 1; i < len(conns); i++ {
		for j := i; j > 0 && conns[j].ConnectedAt.Before(conns[j-1].ConnectedAt); j-- {
			conns[j], conns[j-1] = conns[j-1], conns[j]
		}
	}
}
