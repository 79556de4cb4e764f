// Package store abstracts the path-addressed document store: whole-subtree
// reads, atomic multi-path writes, and a child-event subscription with
// catch-up replay. Nothing else is assumed of the backend.
package store

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Document is a whole subtree read: direct children keyed by child key, each a
// serialized payload. Bytes is the serialized size transferred; it is advisory
// observability data, never a correctness input.
type Document struct {
	Children map[string]json.RawMessage
	Bytes    int
}

// EventKind classifies a child change event.
type EventKind int

const (
	ChildAdded EventKind = iota
	ChildChanged
	ChildRemoved
)

func (k EventKind) String() string {
	switch k {
	case ChildAdded:
		return "added"
	case ChildChanged:
		return "changed"
	case ChildRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one child mutation under a subscribed path. Value is empty for
// removals.
type Event struct {
	Kind  EventKind
	Key   string
	Value json.RawMessage
}

// Subscription is a live child-event stream. Events delivers a synthetic added
// event for every child existing at subscription time, then live events in
// server-commit order. Close stops delivery and releases resources; it never
// undoes state already applied by a consumer. After Close the Events channel
// is closed once drained.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Gateway is the remote document store boundary.
type Gateway interface {
	// ReadSubtree fetches all direct children of path. A missing path yields an
	// empty document, not an error.
	ReadSubtree(ctx context.Context, path string) (Document, error)

	// WriteAtomic applies every path→value entry as one atomic operation: all
	// paths update or none do, even across unrelated subtrees. A nil value
	// deletes the path. Transport failures surface as ErrStoreUnavailable,
	// store-side rejection as ErrWriteRejected.
	WriteAtomic(ctx context.Context, writes map[string]any) error

	// SubscribeChildren opens a child-event stream for direct children of path.
	SubscribeChildren(ctx context.Context, path string) (Subscription, error)
}

// splitPath separates a full child path into its parent path and child key.
func splitPath(path string) (parent, key string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("path %q has no parent/child split", path)
	}
	return path[:i], path[i+1:], nil
}
