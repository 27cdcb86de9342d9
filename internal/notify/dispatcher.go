// Package notify delivers operator notifications partitioned into topics.
// Delivery is best-effort: failures are logged and swallowed so the
// triggering flow is never aborted.
package notify

import (
	"context"
	"log"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

const (
	// violationCooldown suppresses repeat violation sends per user.
	violationCooldown = 15 * time.Minute
	// throttleEviction drops cooldown entries not touched for this long.
	throttleEviction = time.Hour
)

// Dispatcher routes rendered messages to topic destinations and throttles
// repeat violation notifications per user.
type Dispatcher struct {
	sender   Sender
	routes   *Routes
	clock    clockwork.Clock
	throttle *ttlcache.Cache[string, time.Time]
}

// New creates a Dispatcher and starts the throttle eviction sweep. A nil
// sender falls back to the process log.
func New(sender Sender, routes *Routes, clock clockwork.Clock) *Dispatcher {
	if sender == nil {
		sender = LogSender{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	throttle := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](throttleEviction),
	)
	go throttle.Start()
	return &Dispatcher{sender: sender, routes: routes, clock: clock, throttle: throttle}
}

// Stop terminates the throttle eviction sweep.
func (d *Dispatcher) Stop() {
	d.throttle.Stop()
}

// Dispatch sends one message to the topic's destination. Lifecycle traffic
// goes through here and is never throttled.
func (d *Dispatcher) Dispatch(ctx context.Context, topic, text string) {
	route, ok := d.routes.Resolve(topic)
	if !ok {
		return
	}
	if err := d.sender.Send(ctx, route, text); err != nil {
		log.Printf("[notify] deliver to topic %s failed: %v", topic, err)
	}
}

// DispatchViolation sends a violation message for one user unless a
// previous send for the same user is inside the cooldown. force bypasses
// the cooldown. Reports whether the message was dispatched. An unroutable
// topic never consumes the user's cooldown slot.
func (d *Dispatcher) DispatchViolation(ctx context.Context, topic, userUUID, text string, force bool) bool {
	route, ok := d.routes.Resolve(topic)
	if !ok {
		return false
	}
	now := d.clock.Now()
	if !force {
		if item := d.throttle.Get(userUUID); item != nil {
			if now.Sub(item.Value()) < violationCooldown {
				return false
			}
		}
	}
	d.throttle.Set(userUUID, now, ttlcache.DefaultTTL)
	if err := d.sender.Send(ctx, route, text); err != nil {
		log.Printf("[notify] deliver to topic %s failed: %v", topic, err)
	}
	return true
}
