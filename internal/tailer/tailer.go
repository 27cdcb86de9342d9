// Package tailer reads accepted-connection lines from the tunnel access
// log on a node and turns them into connection reports. The log has no
// disconnect events; the collector derives session ends from absence.
package tailer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vigil-net/vigil/internal/model"
)

// ErrLogUnreadable is the tailer's only failure mode: the log is missing
// or unreadable. The caller treats it as an empty batch and retries.
var ErrLogUnreadable = errors.New("tailer: log unreadable")

// acceptedLine matches one accepted-connection log line. The fractional
// seconds part is optional; the email field carries the tunnel user id.
var acceptedLine = regexp.MustCompile(
	`(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d{1,6})?)\s+from\s+` +
		`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):\d+\s+accepted\b.*?email:\s*(\S+)`)

const defaultBufferBytes = 64 * 1024

// Tailer reads one node's tunnel log.
type Tailer struct {
	path     string
	nodeUUID string
	bufBytes int64
	clock    clockwork.Clock

	// realtime cursor
	started bool
	ident   uint64
	offset  int64
	// partial carries an incomplete trailing line between polls.
	partial string

	// Parsed counts accepted lines turned into reports; Mismatched counts
	// lines that did not match the accepted-line shape.
	Parsed     *xsync.Counter
	Mismatched *xsync.Counter
}

// New creates a Tailer for one log file. bufBytes bounds both the
// snapshot read and the realtime startup tail; <=0 means 64 KiB.
func New(path, nodeUUID string, bufBytes int, clock clockwork.Clock) *Tailer {
	if bufBytes <= 0 {
		bufBytes = defaultBufferBytes
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tailer{
		path:       path,
		nodeUUID:   nodeUUID,
		bufBytes:   int64(bufBytes),
		clock:      clock,
		Parsed:     xsync.NewCounter(),
		Mismatched: xsync.NewCounter(),
	}
}

// Snapshot reads the last bufBytes of the log, parses every accepted
// line and deduplicates on (user id, client ip), keeping the latest
// timestamp per pair.
func (t *Tailer) Snapshot() ([]model.ConnectionReport, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
	}
	start := fi.Size() - t.bufBytes
	if start < 0 {
		start = 0
	}
	data, err := readFrom(f, start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
	}
	if start > 0 {
		// Drop the probably-partial first line.
		if i := strings.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		} else {
			data = ""
		}
	}

	latest := map[[2]string]model.ConnectionReport{}
	for _, line := range strings.Split(data, "\n") {
		rep, ok := t.parseLine(line)
		if !ok {
			continue
		}
		key := [2]string{rep.UserEmail, rep.IPAddress}
		if prev, seen := latest[key]; !seen || rep.ConnectedAt.After(prev.ConnectedAt) {
			latest[key] = rep
		}
	}

	out := make([]model.ConnectionReport, 0, len(latest))
	for _, rep := range latest {
		out = append(out, rep)
	}
	return out, nil
}

// Poll runs one realtime cycle: detect rotation, read everything past the
// remembered offset and parse new lines. The first call establishes the
// offset at most bufBytes from the tail instead of replaying history.
func (t *Tailer) Poll() ([]model.ConnectionReport, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
	}
	ident := fileIdent(fi)
	size := fi.Size()

	switch {
	case !t.started:
		t.started = true
		t.ident = ident
		t.offset = size - t.bufBytes
		if t.offset < 0 {
			t.offset = 0
		}
		if t.offset > 0 {
			// Skip the partial line the tail cut started in.
			if err := t.skipToLineStart(f); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
			}
		}
	case ident != t.ident || size < t.offset:
		// Rotation: new inode or the file shrank under our cursor.
		t.ident = ident
		t.offset = 0
		t.partial = ""
	}

	if size == t.offset {
		return nil, nil
	}
	data, err := readFrom(f, t.offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
	}
	t.offset += int64(len(data))

	data = t.partial + data
	t.partial = ""
	if i := strings.LastIndexByte(data, '\n'); i >= 0 {
		t.partial = data[i+1:]
		data = data[:i]
	} else {
		t.partial = data
		data = ""
	}

	var out []model.ConnectionReport
	for _, line := range strings.Split(data, "\n") {
		if rep, ok := t.parseLine(line); ok {
			out = append(out, rep)
		}
	}
	return out, nil
}

// parseLine turns one log line into a report. Unparseable timestamps fall
// back to the current time; lines that don't match are counted.
func (t *Tailer) parseLine(line string) (model.ConnectionReport, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.ConnectionReport{}, false
	}
	m := acceptedLine.FindStringSubmatch(line)
	if m == nil {
		t.Mismatched.Inc()
		return model.ConnectionReport{}, false
	}

	connectedAt, err := parseLogTime(m[1])
	if err != nil {
		connectedAt = t.clock.Now().UTC()
	}
	t.Parsed.Inc()
	return model.ConnectionReport{
		UserEmail:   "user_" + strings.TrimPrefix(m[3], "user_"),
		IPAddress:   m[2],
		NodeUUID:    t.nodeUUID,
		ConnectedAt: connectedAt,
	}, true
}

// parseLogTime parses the tunnel log timestamp, treated as UTC.
func parseLogTime(s string) (time.Time, error) {
	if strings.ContainsRune(s, '.') {
		return time.ParseInLocation("2006/01/02 15:04:05.999999", s, time.UTC)
	}
	return time.ParseInLocation("2006/01/02 15:04:05", s, time.UTC)
}

func (t *Tailer) skipToLineStart(f *os.File) error {
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		for i := 0; i < n; i++ {
			t.offset++
			if buf[i] == '\n' {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func readFrom(f *os.File, offset int64) (string, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
