// Package detector scores a user's recent connection behavior for
// account-sharing violations. Five sub-analyzers each produce a 0..100
// sub-score with human-readable reasons; the weighted combination plus a
// pair of modifiers yields the total and a graded recommended action.
package detector

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vigil-net/vigil/internal/ledger"
	"github.com/vigil-net/vigil/internal/model"
	"github.com/vigil-net/vigil/internal/monitor"
)

// Analyzer weights. They sum to 1 so the raw total stays in 0..100.
const (
	weightTemporal = 0.25
	weightGeo      = 0.25
	weightASN      = 0.15
	weightProfile  = 0.20
	weightDevice   = 0.15
)

// simultaneityFloor is applied when the temporal analyzer fired and the
// overlap is corroborated by the simultaneity count.
const simultaneityFloor = 85

// mobileCarrierDiscount softens totals when every observed ASN is a
// mobile carrier: CGNAT rotation looks like IP hopping but isn't.
const mobileCarrierDiscount = 0.7

// analysisWindow bounds how much history feeds one evaluation.
const analysisWindow = 24 * time.Hour

// Resolver is the slice of the enricher the detector needs.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*model.IPMetadata, error)
}

// Detector evaluates users against the connection ledger.
type Detector struct {
	ledger   *ledger.Ledger
	resolver Resolver
	clock    clockwork.Clock
}

// New creates a Detector. resolver may be nil; geo/ASN sub-scores are then
// always zero (absence of data is not a violation).
func New(l *ledger.Ledger, resolver Resolver, clock clockwork.Clock) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{ledger: l, resolver: resolver, clock: clock}
}

// input is the shared evaluation context handed to every sub-analyzer.
type input struct {
	user        *model.User
	active      []model.Connection
	history     []model.Connection
	simultaneous int
	meta        map[string]*model.IPMetadata
	now         time.Time
}

// subResult is one analyzer's contribution.
type subResult struct {
	score   float64
	reasons []string

	// analyzer-specific flags folded into the final score
	impossibleTravel bool
	mobileCarrier    bool
	egregious        bool
}

// Evaluate runs a full scoring pass for one user. The result is transient;
// persisting or acting on it is the caller's concern.
func (d *Detector) Evaluate(ctx context.Context, user *model.User) (*model.ViolationScore, error) {
	now := d.clock.Now().UTC()

	active, err := d.ledger.Active(user.UUID, 0)
	if err != nil {
		return nil, err
	}
	history, err := d.ledger.History(user.UUID, analysisWindow)
	if err != nil {
		return nil, err
	}

	in := &input{
		user:         user,
		active:       validConnections(active, now),
		history:      history,
		now:          now,
	}
	in.simultaneous = monitor.SimultaneousCount(in.active)
	in.meta = d.resolveWindow(ctx, in)

	temporal := analyzeTemporal(in)
	geo := analyzeGeo(in)
	asn := analyzeASN(in)
	profile := d.analyzeProfile(in)
	device := analyzeDevice(in)

	raw := weightTemporal*temporal.score +
		weightGeo*geo.score +
		weightASN*asn.score +
		weightProfile*profile.score +
		weightDevice*device.score

	if asn.mobileCarrier {
		raw *= mobileCarrierDiscount
	}
	if temporal.score > 0 && in.simultaneous > 1 && raw < simultaneityFloor {
		raw = simultaneityFloor
	}
	total := raw
	if total > 100 {
		total = 100
	}

	reasons := make([]string, 0, 8)
	for _, r := range []subResult{temporal, geo, asn, profile, device} {
		reasons = append(reasons, r.reasons...)
	}
	if total >= 95 {
		reasons = append(reasons, "manual review recommended")
	}

	action := ActionFor(total)
	if temporal.egregious && action != model.ActionHardBlock {
		// More than three simultaneous distinct IPs is never legitimate
		// single-subscriber use; escalate past the graded thresholds.
		action = model.ActionHardBlock
	}

	score := &model.ViolationScore{
		UserUUID: user.UUID,
		Total:    total,
		Breakdown: model.ScoreBreakdown{
			Temporal: temporal.score,
			Geo:      geo.score,
			ASN:      asn.score,
			Profile:  profile.score,
			Device:   device.score,
		},
		Reasons:                  reasons,
		Confidence:               confidence(total),
		RecommendedAction:        action,
		ImpossibleTravelDetected: geo.impossibleTravel,
		SimultaneousConnections:  in.simultaneous,
		EvaluatedAt:              now,
	}
	return score, nil
}

// ActionFor maps a total score to the graded enforcement recommendation.
// Boundaries are strictly less-than.
func ActionFor(total float64) model.RecommendedAction {
	switch {
	case total < 30:
		return model.ActionNone
	case total < 50:
		return model.ActionMonitor
	case total < 65:
		return model.ActionWarn
	case total < 80:
		return model.ActionSoftBlock
	case total < 90:
		return model.ActionTempBlock
	}
	return model.ActionHardBlock
}

func confidence(total float64) float64 {
	c := total / 100
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// validConnections filters the active set to rows opened within the
// analysis window, sorted ascending.
func validConnections(active []model.Connection, now time.Time) []model.Connection {
	cutoff := now.Add(-analysisWindow)
	out := make([]model.Connection, 0, len(active))
	for _, c := range active {
		if c.ConnectedAt.After(cutoff) {
			out = append(out, c)
		}
	}
	sortAscending(out)
	return out
}

// resolveWindow resolves every distinct IP in the window once. Resolution
// failures are logged and treated as missing data.
func (d *Detector) resolveWindow(ctx context.Context, in *input) map[string]*model.IPMetadata {
	meta := map[string]*model.IPMetadata{}
	if d.resolver == nil {
		return meta
	}
	for _, conns := range [][]model.Connection{in.active, in.history} {
		for _, c := range conns {
			if _, seen := meta[c.IPAddress]; seen {
				continue
			}
			m, err := d.resolver.Lookup(ctx, c.IPAddress)
			if err != nil {
				log.Printf("[detector] resolve %s: %v", c.IPAddress, err)
				meta[c.IPAddress] = nil
				continue
			}
			meta[c.IPAddress] = m
		}
	}
	return meta
}

func sortAscending(conns []model.Connection) {
	for i := 1; i < len(conns); i++ {
		for j := i; j > 0 && conns[j].ConnectedAt.Before(conns[j-1].ConnectedAt); j-- {
			conns[j], conns[j-1] = conns[j-1], conns[j]
		}
	}
}
