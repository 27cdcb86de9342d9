package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigil-net/vigil/internal/model"
)

func conn(ip string, at time.Time) model.Connection {
	return model.Connection{IPAddress: ip, ConnectedAt: at}
}

var t0 = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func TestSimultaneousCount_FiveIPsTenSecondsApart(t *testing.T) {
	var conns []model.Connection
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}
	for i, ip := range ips {
		conns = append(conns, conn(ip, t0.Add(time.Duration(i)*10*time.Second)))
	}
	require.Equal(t, 5, SimultaneousCount(conns))
}

func TestSimultaneousCount_SequentialRerouting(t *testing.T) {
	// Pairwise gaps of five minutes and more are sequential handoffs.
	conns := []model.Connection{
		conn("1.1.1.1", t0),
		conn("2.2.2.2", t0.Add(5*time.Minute)),
		conn("3.3.3.3", t0.Add(11*time.Minute)),
	}
	require.Equal(t, 1, SimultaneousCount(conns))
}

func TestSimultaneousCount_SameIPGroupCountsOnce(t *testing.T) {
	conns := []model.Connection{
		conn("1.1.1.1", t0),
		conn("1.1.1.1", t0.Add(30*time.Second)),
	}
	require.Equal(t, 1, SimultaneousCount(conns))
}

func TestSimultaneousCount_Empty(t *testing.T) {
	require.Equal(t, 0, SimultaneousCount(nil))
	require.Equal(t, 1, SimultaneousCount([]model.Connection{conn("1.1.1.1", t0)}))
}

func TestSimultaneityGroups_TwoMinuteAnchor(t *testing.T) {
	// Third row is 70s after the second but beyond 2min from the group
	// anchor, so it starts a new group.
	conns := []model.Connection{
		conn("1.1.1.1", t0),
		conn("2.2.2.2", t0.Add(90*time.Second)),
		conn("3.3.3.3", t0.Add(160*time.Second)),
	}
	groups := SimultaneityGroups(conns)
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	require.Len(t, groups[1], 1)
	require.Equal(t, 2, SimultaneousCount(conns))
}

func TestSimultaneityGroups_SubTenthSecondAliasing(t *testing.T) {
	// Two log lines in the same instant modulo aliasing still group.
	conns := []model.Connection{
		conn("1.1.1.1", t0),
		conn("2.2.2.2", t0.Add(50*time.Millisecond)),
	}
	groups := SimultaneityGroups(conns)
	require.Len(t, groups, 1)
	require.Equal(t, 2, SimultaneousCount(conns))
}

func TestSimultaneityGroups_UnsortedInput(t *testing.T) {
	conns := []model.Connection{
		conn("2.2.2.2", t0.Add(20*time.Second)),
		conn("1.1.1.1", t0),
		conn("3.3.3.3", t0.Add(40*time.Second)),
	}
	groups := SimultaneityGroups(conns)
	require.Len(t, groups, 1)
	require.Equal(t, "1.1.1.1", groups[0][0].IPAddress)
	require.Equal(t, 3, SimultaneousCount(conns))
}
