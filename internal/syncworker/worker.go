// Package syncworker mirrors control-plane entities into local state. It
// runs a periodic full pull and applies change events pushed over the
// webhook. The mirror is advisory: when the store is down the worker is a
// silent no-op and the collector keeps running degraded.
package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vigil-net/vigil/internal/model"
	"github.com/vigil-net/vigil/internal/scanloop"
	"github.com/vigil-net/vigil/internal/state"
	"github.com/vigil-net/vigil/internal/upstream"
)

// Sync metadata keys, one per entity class.
const (
	KeyUsers    = "users"
	KeyNodes    = "nodes"
	KeyHosts    = "hosts"
	KeyProfiles = "config_profiles"
)

// Worker runs the periodic and event-driven sync.
type Worker struct {
	client   *upstream.Client
	store    *state.Store
	interval time.Duration
	clock    clockwork.Clock
}

// New creates a Worker. interval <= 0 defaults to five minutes.
func New(client *upstream.Client, store *state.Store, interval time.Duration, clock clockwork.Clock) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{client: client, store: store, interval: interval, clock: clock}
}

// Run performs the initial full sync and then loops until stopCh closes.
func (w *Worker) Run(ctx context.Context, stopCh <-chan struct{}) {
	w.SyncAll(ctx)
	scanloop.Run(stopCh, w.interval, w.interval/10, func() {
		w.SyncAll(ctx)
	})
}

// SyncAll pulls every entity class concurrently. Failure of one class
// never aborts the others.
func (w *Worker) SyncAll(ctx context.Context) {
	if w.client == nil || !w.store.Connected() {
		return
	}
	var wg sync.WaitGroup
	for _, class := range []struct {
		key  string
		sync func(context.Context) (int, error)
	}{
		{KeyUsers, w.syncUsers},
		{KeyNodes, w.syncNodes},
		{KeyHosts, w.syncHosts},
		{KeyProfiles, w.syncProfiles},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runClass(ctx, class.key, class.sync)
		}()
	}
	wg.Wait()
}

func (w *Worker) runClass(ctx context.Context, key string, sync func(context.Context) (int, error)) {
	start := w.clock.Now().UTC()
	_ = w.store.RecordSyncResult(key, model.SyncStatusRunning, start, 0, nil)

	records, err := sync(ctx)
	at := w.clock.Now().UTC()
	if err != nil {
		log.Printf("[sync] %s failed: %v", key, err)
		_ = w.store.RecordSyncResult(key, model.SyncStatusFailed, at, records, err)
		return
	}
	_ = w.store.RecordSyncResult(key, model.SyncStatusOK, at, records, nil)
}

func (w *Worker) syncUsers(ctx context.Context) (int, error) {
	raws, err := w.client.FetchUsers(ctx)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, raw := range raws {
		u, err := upstream.DecodeUser(raw)
		if err != nil || u.UUID == "" {
			continue
		}
		if err := w.store.UpsertUser(u); err != nil {
			log.Printf("[sync] upsert user %s: %v", u.UUID, err)
			continue
		}
		written++
	}
	return written, nil
}

func (w *Worker) syncNodes(ctx context.Context) (int, error) {
	raws, err := w.client.FetchNodes(ctx)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, raw := range raws {
		n, err := upstream.DecodeNode(raw)
		if err != nil || n.UUID == "" {
			continue
		}
		if err := w.store.UpsertNode(n); err != nil {
			log.Printf("[sync] upsert node %s: %v", n.UUID, err)
			continue
		}
		written++
	}
	return written, nil
}

// Hosts and config profiles have no local tables; the pull verifies the
// control plane answers and records the count for operators.
func (w *Worker) syncHosts(ctx context.Context) (int, error) {
	raws, err := w.client.FetchHosts(ctx)
	if err != nil {
		return 0, err
	}
	return len(raws), nil
}

func (w *Worker) syncProfiles(ctx context.Context) (int, error) {
	raws, err := w.client.FetchConfigProfiles(ctx)
	if err != nil {
		return 0, err
	}
	return len(raws), nil
}

// ApplyEvent applies one control-plane change event: "*.deleted" removes
// the local row, anything else upserts from the payload. Unknown entity
// families are ignored. Returns whether the event changed local state.
func (w *Worker) ApplyEvent(event string, data json.RawMessage) (bool, error) {
	if !w.store.Connected() {
		return false, nil
	}
	family, action, ok := splitEvent(event)
	if !ok {
		return false, fmt.Errorf("sync event: malformed name %q", event)
	}

	switch family {
	case "user":
		if action == "deleted" {
			uuid := upstream.ExtractUUID(data)
			if uuid == "" {
				return false, fmt.Errorf("sync event %s: no uuid", event)
			}
			return true, w.store.DeleteUser(uuid)
		}
		u, err := upstream.DecodeUser(data)
		if err != nil || u.UUID == "" {
			return false, fmt.Errorf("sync event %s: bad payload", event)
		}
		return true, w.store.UpsertUser(u)

	case "node":
		if action == "deleted" {
			uuid := upstream.ExtractUUID(data)
			if uuid == "" {
				return false, fmt.Errorf("sync event %s: no uuid", event)
			}
			return true, w.store.DeleteNode(uuid)
		}
		n, err := upstream.DecodeNode(data)
		if err != nil || n.UUID == "" {
			return false, fmt.Errorf("sync event %s: bad payload", event)
		}
		return true, w.store.UpsertNode(n)

	case "host", "user_hwid_devices", "service", "crm", "errors":
		// No local state for these families; acknowledged for the
		// dispatcher but nothing to store.
		return false, nil
	}
	return false, fmt.Errorf("sync event: unknown family %q", family)
}

func splitEvent(event string) (family, action string, ok bool) {
	for i := len(event) - 1; i >= 0; i-- {
		if event[i] == '.' {
			return event[:i], event[i+1:], event[:i] != "" && event[i+1:] != ""
		}
	}
	return "", "", false
}
