package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"opdesk/internal/store/metrics"
	"opdesk/pkg/platform/sentinel"
)

// MemoryGateway is an in-process Gateway for tests and single-node
// development. It honors the full gateway contract: atomic multi-path writes,
// empty-document reads for missing paths, and catch-up child subscriptions.
type MemoryGateway struct {
	mu       sync.Mutex
	data     map[string]map[string]json.RawMessage
	subs     map[string][]*memorySubscription
	writeErr error
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		data: make(map[string]map[string]json.RawMessage),
		subs: make(map[string][]*memorySubscription),
	}
}

// FailWrites forces every subsequent WriteAtomic to fail with err without
// touching state, until called again with nil. Lets tests exercise the
// all-or-nothing guarantee.
func (g *MemoryGateway) FailWrites(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeErr = err
}

// ReadSubtree returns a copy of the direct children of path.
func (g *MemoryGateway) ReadSubtree(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	doc := Document{Children: make(map[string]json.RawMessage)}
	for key, raw := range g.data[path] {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		doc.Children[key] = cp
		doc.Bytes += len(raw)
	}
	metrics.ObserveRead(doc.Bytes)
	return doc, nil
}

// WriteAtomic applies all writes under one lock: serialization errors and the
// injected failure are checked before any mutation, so a failed call leaves
// every path untouched.
func (g *MemoryGateway) WriteAtomic(ctx context.Context, writes map[string]any) (err error) {
	defer func() { metrics.ObserveWrite(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	type op struct {
		parent, key string
		value       json.RawMessage // nil = delete
	}

	ops := make([]op, 0, len(writes))
	// Deterministic application order keeps event sequences stable for tests.
	paths := make([]string, 0, len(writes))
	for p := range writes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		parent, key, err := splitPath(path)
		if err != nil {
			return fmt.Errorf("%w: %v", sentinel.ErrWriteRejected, err)
		}
		value := writes[path]
		if value == nil {
			ops = append(ops, op{parent: parent, key: key})
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: marshal %s: %v", sentinel.ErrWriteRejected, path, err)
		}
		// A typed-nil value (a nil Fields map) serializes to JSON null. Treat
		// it as a delete so no child ever stores a null payload.
		if string(raw) == "null" {
			ops = append(ops, op{parent: parent, key: key})
			continue
		}
		ops = append(ops, op{parent: parent, key: key, value: raw})
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.writeErr != nil {
		return g.writeErr
	}

	for _, o := range ops {
		children := g.data[o.parent]
		_, existed := children[o.key]

		if o.value == nil {
			if !existed {
				continue
			}
			delete(children, o.key)
			if len(children) == 0 {
				delete(g.data, o.parent)
			}
			g.publishLocked(o.parent, Event{Kind: ChildRemoved, Key: o.key})
			continue
		}

		if children == nil {
			children = make(map[string]json.RawMessage)
			g.data[o.parent] = children
		}
		children[o.key] = o.value

		kind := ChildAdded
		if existed {
			kind = ChildChanged
		}
		g.publishLocked(o.parent, Event{Kind: kind, Key: o.key, Value: o.value})
	}
	return nil
}

// SubscribeChildren registers a subscription and enqueues catch-up added
// events for every existing child before any live event.
func (g *MemoryGateway) SubscribeChildren(ctx context.Context, path string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sub := &memorySubscription{gateway: g, path: path, queue: newEventQueue()}
	g.subs[path] = append(g.subs[path], sub)

	keys := make([]string, 0, len(g.data[path]))
	for key := range g.data[path] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sub.queue.push(Event{Kind: ChildAdded, Key: key, Value: g.data[path][key]})
	}
	return sub, nil
}

// publishLocked fans an event out to every open subscription on parent.
// Caller holds g.mu, which serializes event order across subscribers.
func (g *MemoryGateway) publishLocked(parent string, ev Event) {
	for _, sub := range g.subs[parent] {
		sub.queue.push(ev)
	}
}

func (g *MemoryGateway) unsubscribe(sub *memorySubscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	subs := g.subs[sub.path]
	for i, s := range subs {
		if s == sub {
			g.subs[sub.path] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	gateway *MemoryGateway
	path    string
	queue   *eventQueue
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.queue.out }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.gateway.unsubscribe(s)
		s.queue.close()
	})
}
