package tailer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func newTestTailer(t *testing.T, path string) *Tailer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	return New(path, "n-1", 64*1024, clock)
}

const sampleLines = "2026/08/24 09:58:00.100000 from 203.0.113.5:51224 accepted tcp:example.com:443 [proxy] email: 4b2f\n" +
	"2026/08/24 09:58:30 from 198.51.100.7:40112 accepted tcp:example.org:443 [proxy] email: 9acc\n"

func TestSnapshotDeduplicatesKeepingLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLog(t, path, sampleLines+
		"2026/08/24 09:59:00 from 203.0.113.5:51230 accepted tcp:example.com:443 [proxy] email: 4b2f\n"+
		"this line does not match at all\n")
	tl := newTestTailer(t, path)

	reports, err := tl.Snapshot()
	require.NoError(t, err)
	require.Len(t, reports, 2)

	byUser := map[string]time.Time{}
	for _, r := range reports {
		byUser[r.UserEmail] = r.ConnectedAt
		require.Equal(t, "n-1", r.NodeUUID)
		require.Nil(t, r.DisconnectedAt)
		require.Zero(t, r.BytesSent)
	}
	// The duplicate (4b2f, 203.0.113.5) pair kept the later timestamp.
	require.True(t, byUser["user_4b2f"].Equal(time.Date(2026, 8, 24, 9, 59, 0, 0, time.UTC)))
	require.True(t, byUser["user_9acc"].Equal(time.Date(2026, 8, 24, 9, 58, 30, 0, time.UTC)))
	require.EqualValues(t, 1, tl.Mismatched.Value())
}

func TestPollReadsIncrementally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLog(t, path, sampleLines)
	tl := newTestTailer(t, path)

	first, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Nothing new yet.
	again, err := tl.Poll()
	require.NoError(t, err)
	require.Empty(t, again)

	appendLog(t, path, "2026/08/24 10:00:05 from 192.0.2.9:1024 accepted tcp:x.test:443 email: 77aa\n")
	third, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, third, 1)
	require.Equal(t, "user_77aa", third[0].UserEmail)
	require.Equal(t, "192.0.2.9", third[0].IPAddress)
}

func TestPollHoldsPartialLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLog(t, path, sampleLines)
	tl := newTestTailer(t, path)
	_, err := tl.Poll()
	require.NoError(t, err)

	appendLog(t, path, "2026/08/24 10:00:05 from 192.0.2.9:1024 accep")
	reports, err := tl.Poll()
	require.NoError(t, err)
	require.Empty(t, reports)

	appendLog(t, path, "ted tcp:x.test:443 email: 77aa\n")
	reports, err = tl.Poll()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "user_77aa", reports[0].UserEmail)
}

func TestPollDetectsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	writeLog(t, path, sampleLines)
	tl := newTestTailer(t, path)
	_, err := tl.Poll()
	require.NoError(t, err)

	// Rotate: the log is replaced by a fresh, shorter file.
	require.NoError(t, os.Remove(path))
	writeLog(t, path, "2026/08/24 10:01:00 from 192.0.2.9:1024 accepted tcp:x.test:443 email: 77aa\n")

	reports, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "user_77aa", reports[0].UserEmail)
}

func TestPollUnreadableLogYieldsEmptyBatch(t *testing.T) {
	tl := newTestTailer(t, filepath.Join(t.TempDir(), "missing.log"))

	reports, err := tl.Poll()
	require.ErrorIs(t, err, ErrLogUnreadable)
	require.Empty(t, reports)
}

func TestParseLineTimestampFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	tl := newTestTailer(t, path)

	// Shape matches but the timestamp is not a valid date.
	rep, ok := tl.parseLine("2026/13/45 25:61:61 from 192.0.2.9:1024 accepted tcp:x.test:443 email: 77aa")
	require.True(t, ok)
	require.True(t, rep.ConnectedAt.Equal(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)))
}

func TestParseLineNoDoubleUserPrefix(t *testing.T) {
	tl := newTestTailer(t, "unused")
	rep, ok := tl.parseLine("2026/08/24 10:00:00 from 192.0.2.9:1024 accepted tcp:x.test:443 email: user_77aa")
	require.True(t, ok)
	require.Equal(t, "user_77aa", rep.UserEmail)
}

func TestMicrosecondTimestampSurvives(t *testing.T) {
	tl := newTestTailer(t, "unused")
	rep, ok := tl.parseLine("2026/08/24 09:58:00.123456 from 203.0.113.5:51224 accepted tcp:e.test:443 email: 4b2f")
	require.True(t, ok)
	require.Equal(t, 123456000, rep.ConnectedAt.Nanosecond())
}

func TestSnapshotUnreadable(t *testing.T) {
	tl := newTestTailer(t, filepath.Join(t.TempDir(), "missing.log"))
	_, err := tl.Snapshot()
	require.True(t, errors.Is(err, ErrLogUnreadable))
}
