package state

import "time"

// All timestamps are stored as UTC unix nanoseconds. The tunnel log carries
// microsecond fractions, which must survive the round trip so that two
// events in the same second do not collapse into one simultaneity group.

func toNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNs(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
