package detector

import (
	"fmt"
	"time"

	"github.com/vigil-net/vigil/internal/model"
)

const (
	// rapidSwitchMin filters out log-timestamp aliasing.
	rapidSwitchMin = 100 * time.Millisecond
	// rapidSwitchMax bounds what still counts as a suspicious IP switch.
	rapidSwitchMax = 30 * time.Second
)

// analyzeTemporal scores overlap in time: simultaneous distinct-IP use
// beyond the permitted device count, plus a rapid-switch penalty.
func analyzeTemporal(in *input) subResult {
	var res subResult

	deviceCount := in.user.DeviceLimit()
	if in.simultaneous > deviceCount+1 {
		if in.simultaneous > 3 {
			res.score = 100
			res.egregious = true
			res.reasons = append(res.reasons,
				fmt.Sprintf("simultaneous connections with %d distinct IPs (>3)", in.simultaneous))
		} else {
			res.score = 80
			res.reasons = append(res.reasons,
				fmt.Sprintf("simultaneous connections with %d distinct IPs", in.simultaneous))
		}
	}

	pairs, minGap := rapidSwitchPairs(in)
	switch {
	case pairs >= 3:
		res.score += 10
		res.reasons = append(res.reasons,
			fmt.Sprintf("rapid IP switching: %d switches under 30s", pairs))
	case pairs >= 1 && minGap < 10*time.Second:
		res.score += 3
		res.reasons = append(res.reasons,
			fmt.Sprintf("rapid IP switch after %.1fs", minGap.Seconds()))
	}

	if res.score > 100 {
		res.score = 100
	}
	return res
}

// rapidSwitchPairs counts consecutive history pairs with distinct IPs and
// a gap in [0.1s, 30s) that look like concurrent use rather than a normal
// session handoff. All three conditions must hold:
// the old row was not closed before the new one started, the old IP is
// still in the current active set, and the simultaneity count corroborates
// the overlap.
func rapidSwitchPairs(in *input) (int, time.Duration) {
	if in.simultaneous <= 1 || len(in.history) < 2 {
		return 0, 0
	}

	activeIPs := map[string]struct{}{}
	for _, c := range in.active {
		activeIPs[c.IPAddress] = struct{}{}
	}

	hist := make([]model.Connection, len(in.history))
	copy(hist, in.history)
	sortAscending(hist)

	count := 0
	minGap := time.Duration(-1)
	for i := 1; i < len(hist); i++ {
		prev, cur := hist[i-1], hist[i]
		if prev.IPAddress == cur.IPAddress {
			continue
		}
		gap := cur.ConnectedAt.Sub(prev.ConnectedAt)
		if gap < rapidSwitchMin || gap >= rapidSwitchMax {
			continue
		}
		if prev.DisconnectedAt != nil && prev.DisconnectedAt.Before(cur.ConnectedAt) {
			continue // normal handoff: old session ended first
		}
		if _, live := activeIPs[prev.IPAddress]; !live {
			continue
		}
		count++
		if minGap < 0 || gap < minGap {
			minGap = gap
		}
	}
	if minGap < 0 {
		minGap = 0
	}
	return count, minGap
}
