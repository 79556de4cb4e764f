package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"opdesk/internal/store/metrics"
	"opdesk/pkg/platform/sentinel"
)

// RedisGateway implements Gateway on Redis. Each parent path is a hash whose
// fields are child keys; a full-subtree read is one HGETALL. WriteAtomic runs
// every HSET/HDEL inside a single MULTI/EXEC pipeline together with the
// PUBLISH of the matching change events, so subscribers observe a change iff
// the write committed.
type RedisGateway struct {
	client *redis.Client
}

const changeChannelPrefix = "opdesk:changes:"

// NewRedisGateway wraps a connected Redis client.
func NewRedisGateway(client *redis.Client) *RedisGateway {
	return &RedisGateway{client: client}
}

type wireEvent struct {
	Kind  string          `json:"kind"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ReadSubtree fetches all direct children of path with one HGETALL. Missing
// keys come back as an empty map from Redis, which is exactly the empty
// document the contract asks for.
func (g *RedisGateway) ReadSubtree(ctx context.Context, path string) (Document, error) {
	raw, err := g.client.HGetAll(ctx, path).Result()
	if err != nil {
		metrics.ObserveReadFailure()
		return Document{}, fmt.Errorf("%w: read %s: %v", sentinel.ErrStoreUnavailable, path, err)
	}

	doc := Document{Children: make(map[string]json.RawMessage, len(raw))}
	for key, value := range raw {
		doc.Children[key] = json.RawMessage(value)
		doc.Bytes += len(value)
	}
	metrics.ObserveRead(doc.Bytes)
	return doc, nil
}

// WriteAtomic applies all writes in one MULTI/EXEC transaction. Redis queues
// the commands and executes them atomically on EXEC; a failure before EXEC
// leaves every path untouched.
func (g *RedisGateway) WriteAtomic(ctx context.Context, writes map[string]any) (err error) {
	defer func() { metrics.ObserveWrite(err) }()

	if len(writes) == 0 {
		return nil
	}

	type op struct {
		parent, key string
		value       json.RawMessage // nil = delete
	}

	paths := make([]string, 0, len(writes))
	for p := range writes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ops := make([]op, 0, len(writes))
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

	// Classify added vs changed up front. A concurrent writer can stale this,
	// but subscribers treat a re-added child idempotently, so a misclassified
	// kind cannot corrupt their state.
	existsPipe := g.client.Pipeline()
	existsCmds := make([]*redis.BoolCmd, len(ops))
	for i, o := range ops {
		if o.value != nil {
			existsCmds[i] = existsPipe.HExists(ctx, o.parent, o.key)
		}
	}
	if _, err := existsPipe.Exec(ctx); err != nil {
		return wrapWriteErr(err, "check existing children")
	}

	_, err = g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, o := range ops {
			if o.value == nil {
				pipe.HDel(ctx, o.parent, o.key)
				publishEvent(ctx, pipe, o.parent, wireEvent{Kind: ChildRemoved.String(), Key: o.key})
				continue
			}
			pipe.HSet(ctx, o.parent, o.key, string(o.value))
			kind := ChildAdded
			if existsCmds[i] != nil && existsCmds[i].Val() {
				kind = ChildChanged
			}
			publishEvent(ctx, pipe, o.parent, wireEvent{Kind: kind.String(), Key: o.key, Value: o.value})
		}
		return nil
	})
	if err != nil {
		return wrapWriteErr(err, "exec atomic write")
	}
	return nil
}

func publishEvent(ctx context.Context, pipe redis.Pipeliner, parent string, ev wireEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	pipe.Publish(ctx, changeChannelPrefix+parent, payload)
}

// SubscribeChildren subscribes to the parent's change channel first, then
// reads the current children as catch-up. Events committed in the overlap can
// be observed twice; consumers absorb that via idempotent adds.
func (g *RedisGateway) SubscribeChildren(ctx context.Context, path string) (Subscription, error) {
	pubsub := g.client.Subscribe(ctx, changeChannelPrefix+path)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", sentinel.ErrStoreUnavailable, path, err)
	}

	doc, err := g.ReadSubtree(ctx, path)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{pubsub: pubsub, queue: newEventQueue()}

	keys := make([]string, 0, len(doc.Children))
	for key := range doc.Children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sub.queue.push(Event{Kind: ChildAdded, Key: key, Value: doc.Children[key]})
	}

	go sub.relay()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	queue  *eventQueue
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan Event { return s.queue.out }

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
		s.queue.close()
	})
}

// relay decodes pub/sub messages into events. Exits when the pubsub channel
// closes; pushes after Close are no-ops.
func (s *redisSubscription) relay() {
	for msg := range s.pubsub.Channel() {
		var ev wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue
		}
		metrics.ObserveSubscribeBytes(len(msg.Payload))
		s.queue.push(Event{Kind: parseKind(ev.Kind), Key: ev.Key, Value: ev.Value})
	}
	s.queue.close()
}

func parseKind(s string) EventKind {
	switch s {
	case "changed":
		return ChildChanged
	case "removed":
		return ChildRemoved
	default:
		return ChildAdded
	}
}

// wrapWriteErr maps a Redis error to the gateway taxonomy: transport failures
// are ErrStoreUnavailable, anything the server answered with is a rejection.
func wrapWriteErr(err error, action string) error {
	if isTransportErr(err) {
		return fmt.Errorf("%w: %s: %v", sentinel.ErrStoreUnavailable, action, err)
	}
	return fmt.Errorf("%w: %s: %v", sentinel.ErrWriteRejected, action, err)
}

func isTransportErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
