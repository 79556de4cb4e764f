// Package liveview maintains the in-memory mirror of one live visit index by
// consuming the store's child-event feed. It is the only long-lived mutable
// state in the core; all mutation happens on a single apply loop.
package liveview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"opdesk/internal/store"
	"opdesk/internal/visit"
)

// Entry is one present identity in the view. FirstSeenSeq preserves arrival
// order across snapshots.
type Entry struct {
	Identity     visit.Identity
	Fields       visit.Fields
	FirstSeenSeq uint64
}

// View mirrors the children of one live index path.
//
// Lifecycle: New → Start → Stop, once each. Switching the relevant path means
// stopping this view and building a fresh one; a stopped view's subscription
// is closed and drained, so in-flight events for the old path can never leak
// into the successor.
type View struct {
	gateway store.Gateway
	path    string
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[visit.Identity]*Entry
	order   []visit.Identity
	nextSeq uint64

	sub     store.Subscription
	done    chan struct{}
	changed chan struct{}
}

// New builds an unstarted view over the given live index path.
func New(gateway store.Gateway, path string, logger *slog.Logger) *View {
	return &View{
		gateway: gateway,
		path:    path,
		logger:  logger.With("component", "liveview", "path", path),
		entries: make(map[visit.Identity]*Entry),
		done:    make(chan struct{}),
		changed: make(chan struct{}, 1),
	}
}

// Path returns the live index path this view mirrors.
func (v *View) Path() string { return v.path }

// Start subscribes to the path and launches the apply loop. The store delivers
// catch-up added events for existing children, so the view converges without a
// separate initial read.
func (v *View) Start(ctx context.Context) error {
	sub, err := v.gateway.SubscribeChildren(ctx, v.path)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", v.path, err)
	}
	v.sub = sub
	go v.run()
	return nil
}

// Stop closes the subscription and waits for the apply loop to drain. Safe to
// call once after a successful Start.
func (v *View) Stop() {
	if v.sub == nil {
		return
	}
	v.sub.Close()
	<-v.done
}

// Changes signals after any applied mutation. The channel is coalescing: a
// burst of events may produce a single signal.
func (v *View) Changes() <-chan struct{} { return v.changed }

// Snapshot returns a point-in-time copy of the view in arrival order. Fields
// are cloned so callers never alias live state.
func (v *View) Snapshot() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Entry, 0, len(v.order))
	for _, id := range v.order {
		e := v.entries[id]
		out = append(out, Entry{
			Identity:     e.Identity,
			Fields:       e.Fields.Clone(),
			FirstSeenSeq: e.FirstSeenSeq,
		})
	}
	return out
}

// run is the single writer. Event application is pure state transition; it
// never blocks on I/O.
func (v *View) run() {
	defer close(v.done)
	for ev := range v.sub.Events() {
		if v.apply(ev) {
			v.notify()
		}
	}
}

// apply transitions one identity. Reports whether state changed.
func (v *View) apply(ev store.Event) bool {
	id, err := visit.ParseIdentity(ev.Key)
	if err != nil {
		v.logger.Warn("ignoring event with malformed key", "key", ev.Key, "kind", ev.Kind.String())
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case store.ChildAdded:
		if _, present := v.entries[id]; present {
			// Catch-up replay; presence already confirmed.
			return false
		}
		fields, ok := v.decode(ev)
		if !ok {
			return false
		}
		v.insertLocked(id, fields)
		return true

	case store.ChildChanged:
		fields, ok := v.decode(ev)
		if !ok {
			return false
		}
		entry, present := v.entries[id]
		if !present {
			// A change for an unseen identity can only mean a missed add
			// (feed compaction); treat it as one.
			v.insertLocked(id, fields)
			return true
		}
		entry.Fields.Merge(fields)
		return true

	case store.ChildRemoved:
		if _, present := v.entries[id]; !present {
			return false
		}
		delete(v.entries, id)
		for i, oid := range v.order {
			if oid == id {
				v.order = append(v.order[:i], v.order[i+1:]...)
				break
			}
		}
		return true
	}
	return false
}

func (v *View) insertLocked(id visit.Identity, fields visit.Fields) {
	v.nextSeq++
	v.entries[id] = &Entry{Identity: id, Fields: fields, FirstSeenSeq: v.nextSeq}
	v.order = append(v.order, id)
}

func (v *View) decode(ev store.Event) (visit.Fields, bool) {
	var fields visit.Fields
	if err := json.Unmarshal(ev.Value, &fields); err != nil {
		v.logger.Warn("ignoring event with undecodable payload", "key", ev.Key, "error", err)
		return nil, false
	}
	// A null payload decodes to a nil map; later merges must have a real map.
	if fields == nil {
		fields = visit.Fields{}
	}
	return fields, true
}

func (v *View) notify() {
	select {
	case v.changed <- struct{}{}:
	default:
	}
}
