// Package reporter ships tailer reports to the collector in batches. The
// queue is bounded and non-persistent: a lost batch is acceptable because
// the next tail read re-derives the same active set.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vigil-net/vigil/internal/model"
)

// ErrUnauthorized means the collector rejected our agent token. The batch
// is dropped permanently; retrying cannot help until the token changes.
var ErrUnauthorized = errors.New("reporter: agent token rejected")

const defaultQueueCap = 4096

// Config configures the Reporter.
type Config struct {
	CollectorURL string
	AgentToken   string
	NodeUUID     string
	// QueueCap bounds the in-memory report queue (default 4096).
	QueueCap int
	// MaxRetryElapsed bounds one batch's retry budget (default 30s).
	MaxRetryElapsed time.Duration
	Client          *http.Client
	Clock           clockwork.Clock
}

// Reporter drains the report queue into batch submissions.
type Reporter struct {
	url             string
	token           string
	nodeUUID        string
	client          *http.Client
	clock           clockwork.Clock
	maxRetryElapsed time.Duration

	queue chan model.ConnectionReport

	// Dropped counts reports discarded because the queue was full.
	Dropped *xsync.Counter
	// Sent counts reports acknowledged by the collector.
	Sent *xsync.Counter
}

// New creates a Reporter.
func New(cfg Config) *Reporter {
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = defaultQueueCap
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Reporter{
		url:             cfg.CollectorURL + "/api/v1/connections/batch",
		token:           cfg.AgentToken,
		nodeUUID:        cfg.NodeUUID,
		client:          cfg.Client,
		clock:           cfg.Clock,
		maxRetryElapsed: cfg.MaxRetryElapsed,
		queue:           make(chan model.ConnectionReport, cfg.QueueCap),
		Dropped:         xsync.NewCounter(),
		Sent:            xsync.NewCounter(),
	}
}

// Enqueue adds reports without blocking. Overflow is dropped and counted.
func (r *Reporter) Enqueue(reports []model.ConnectionReport) {
	for _, rep := range reports {
		select {
		case r.queue <- rep:
		default:
			r.Dropped.Inc()
		}
	}
}

// Pending returns the number of queued reports.
func (r *Reporter) Pending() int { return len(r.queue) }

// Flush drains the queue and submits one batch. An empty queue is a
// no-op. Transport errors and 5xx are retried with backoff inside the
// call; 401/403 drops the batch and returns ErrUnauthorized.
func (r *Reporter) Flush(ctx context.Context) error {
	var reports []model.ConnectionReport
	for {
		select {
		case rep := <-r.queue:
			reports = append(reports, rep)
			continue
		default:
		}
		break
	}
	if len(reports) == 0 {
		return nil
	}

	batch := model.BatchReport{
		NodeUUID:    r.nodeUUID,
		Timestamp:   r.clock.Now().UTC(),
		Connections: reports,
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.maxRetryElapsed
	err := backoff.Retry(func() error {
		return r.send(ctx, &batch)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			log.Printf("[reporter] batch of %d dropped: %v", len(reports), err)
			return err
		}
		log.Printf("[reporter] batch of %d failed after retries: %v", len(reports), err)
		return err
	}
	r.Sent.Add(int64(len(reports)))
	return nil
}

func (r *Reporter) send(ctx context.Context, batch *model.BatchReport) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("reporter marshal: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("reporter request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reporter send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode))
	case resp.StatusCode >= 500:
		return fmt.Errorf("reporter send: collector status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("reporter send: collector status %d", resp.StatusCode))
	}
	return nil
}

// Run flushes on the given interval until the context ends, then makes a
// final best-effort flush.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.Chan():
			if err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				continue
			}
		}
	}
}
