package api

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/vigil-net/vigil/internal/config"
	"github.com/vigil-net/vigil/internal/detector"
	"github.com/vigil-net/vigil/internal/ledger"
	"github.com/vigil-net/vigil/internal/model"
	"github.com/vigil-net/vigil/internal/monitor"
	"github.com/vigil-net/vigil/internal/notify"
	"github.com/vigil-net/vigil/internal/state"
)

// monitorThreshold is the minimum detector total that gets dispatched.
const monitorThreshold = 30

// Pipeline is the post-ingestion flow: insert rows, sweep stale sessions
// for the affected users, re-score them and dispatch violations.
type Pipeline struct {
	store      *state.Store
	ledger     *ledger.Ledger
	monitor    *monitor.Monitor
	detector   *detector.Detector
	dispatcher *notify.Dispatcher
	metrics    *Metrics
}

// NewPipeline wires the batch processing flow. dispatcher may be nil when
// notifications are not configured.
func NewPipeline(store *state.Store, l *ledger.Ledger, mon *monitor.Monitor,
	det *detector.Detector, dispatcher *notify.Dispatcher, metrics *Metrics) *Pipeline {
	return &Pipeline{
		store:      store,
		ledger:     l,
		monitor:    mon,
		detector:   det,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// ProcessBatch inserts the batch's reports and runs the per-user
// post-processing. Per-report failures never abort the batch; they are
// counted in the errors return.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch *model.BatchReport) (processed, errCount int) {
	type affected struct {
		user        *model.User
		reportedIPs map[string]struct{}
	}
	users := map[string]*affected{}

	// Connections are processed in batch order.
	for i := range batch.Connections {
		rep := &batch.Connections[i]
		user, err := p.resolveUser(rep.UserEmail)
		if err != nil {
			errCount++
			p.metrics.IdentityMisses.Inc()
			continue
		}
		if _, err := p.ledger.Insert(user.UUID, rep.IPAddress, batch.NodeUUID, rep.ConnectedAt, rep.DeviceInfo); err != nil {
			errCount++
			log.Printf("[collector] insert for %s: %v", user.UUID, err)
			continue
		}
		processed++
		p.metrics.RowsInserted.Inc()

		a := users[user.UUID]
		if a == nil {
			a = &affected{user: user, reportedIPs: map[string]struct{}{}}
			users[user.UUID] = a
		}
		a.reportedIPs[rep.IPAddress] = struct{}{}
	}

	for uuid, a := range users {
		if _, err := p.ledger.SweepStale(uuid, a.reportedIPs); err != nil {
			log.Printf("[collector] sweep for %s: %v", uuid, err)
		}
		p.score(ctx, a.user)
	}
	return processed, errCount
}

// resolveUser applies the three-step identity resolution: short uuid via
// the user_ prefix, then the literal email, then a raw-data id probe.
func (p *Pipeline) resolveUser(userEmail string) (*model.User, error) {
	id, hasPrefix := strings.CutPrefix(userEmail, "user_")
	if hasPrefix {
		if u, err := p.store.GetUserByShortUUID(id); err == nil {
			return u, nil
		} else if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
	}
	if u, err := p.store.GetUserByEmail(userEmail); err == nil {
		return u, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}
	return p.store.FindUserByRawID(id)
}

// score re-evaluates one user and dispatches the result when it crosses
// the monitor threshold. Scoring errors are logged, never propagated.
func (p *Pipeline) score(ctx context.Context, user *model.User) {
	if p.detector == nil {
		return
	}
	stats, err := p.monitor.Collect(user.UUID)
	if err != nil {
		log.Printf("[collector] stats %s: %v", user.UUID, err)
		return
	}
	score, err := p.detector.Evaluate(ctx, user)
	if err != nil {
		log.Printf("[collector] score %s: %v", user.UUID, err)
		return
	}
	if score.Total < monitorThreshold {
		return
	}
	p.metrics.Violations.WithLabelValues(string(score.RecommendedAction)).Inc()
	log.Printf("[collector] violation %s total=%.0f action=%s active=%d unique24h=%d simultaneous=%d",
		user.Username, score.Total, score.RecommendedAction,
		stats.ActiveConnections, stats.UniqueIPs24h, score.SimultaneousConnections)
	if p.dispatcher != nil {
		text := notify.RenderViolation(user, score)
		p.dispatcher.DispatchViolation(ctx, config.TopicViolations, user.UUID, text, false)
	}
}
