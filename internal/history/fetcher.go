// Package history answers ad-hoc queries over the date-sharded subtrees:
// parallel per-shard reads, flattened into entries, with per-shard failures
// isolated so one bad shard never sinks the whole range.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"opdesk/internal/shard"
	"opdesk/internal/store"
	"opdesk/internal/visit"
)

// maxConcurrentReads caps fan-out per call to protect the store.
const maxConcurrentReads = 100

// Entry is one visit read from a day shard. ShardKey records the shard it was
// actually read from, which wins over any date embedded in the payload.
type Entry struct {
	Identity visit.Identity
	ShardKey shard.Key
	Fields   visit.Fields
}

// RangeResult carries whatever a range fetch produced. Bytes is the advisory
// transfer total; Failed lists shards that contributed nothing.
type RangeResult struct {
	Entries []Entry
	Bytes   int
	Failed  []shard.Key
}

// PartialFetchFailure reports shards that failed during a range fetch. The
// fetch still succeeds with the remaining data; callers surface the failed
// shards as a warning.
type PartialFetchFailure struct {
	Failed []shard.Key
}

func (e *PartialFetchFailure) Error() string {
	keys := make([]string, len(e.Failed))
	for i, k := range e.Failed {
		keys[i] = k.String()
	}
	return fmt.Sprintf("partial fetch failure: %d shard(s) failed: %s", len(e.Failed), strings.Join(keys, ", "))
}

// Predicate filters entries before they are returned, bounding result size.
type Predicate func(id visit.Identity, fields visit.Fields) bool

// FieldContains matches entries whose named fields contain the query,
// case-insensitively. An empty query matches everything.
func FieldContains(query string, fieldNames ...string) Predicate {
	q := strings.ToLower(strings.TrimSpace(query))
	return func(id visit.Identity, fields visit.Fields) bool {
		if q == "" {
			return true
		}
		if strings.Contains(strings.ToLower(id.PatientID), q) ||
			strings.Contains(strings.ToLower(id.VisitID), q) {
			return true
		}
		for _, name := range fieldNames {
			v, ok := fields[name]
			if !ok {
				continue
			}
			if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), q) {
				return true
			}
		}
		return false
	}
}

// Fetcher issues parallel shard reads through the gateway.
type Fetcher struct {
	gateway store.Gateway
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewFetcher builds a fetcher over the given gateway.
func NewFetcher(gateway store.Gateway, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		gateway: gateway,
		logger:  logger.With("component", "history"),
		tracer:  otel.Tracer("opdesk/history"),
	}
}

// FetchRange reads every shard in keys in parallel and flattens the results.
// A shard read failure is isolated: the remaining shards still complete and
// the failed keys come back in the result plus a *PartialFetchFailure error.
// Only caller cancellation aborts the whole call.
func (f *Fetcher) FetchRange(ctx context.Context, keys []shard.Key) (RangeResult, error) {
	return f.fetch(ctx, keys, nil)
}

// FetchMatching is FetchRange with entries failing pred discarded before
// returning.
func (f *Fetcher) FetchMatching(ctx context.Context, keys []shard.Key, pred Predicate) (RangeResult, error) {
	return f.fetch(ctx, keys, pred)
}

func (f *Fetcher) fetch(ctx context.Context, keys []shard.Key, pred Predicate) (RangeResult, error) {
	ctx, span := f.tracer.Start(ctx, "history.fetch",
		trace.WithAttributes(attribute.Int("shards", len(keys))))
	defer span.End()

	perShard := make([][]Entry, len(keys))
	perShardBytes := make([]int, len(keys))

	var mu sync.Mutex
	var failed []shard.Key

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for i, key := range keys {
		g.Go(func() error {
			doc, err := f.gateway.ReadSubtree(gctx, visit.DayPath(key.String()))
			if err != nil {
				// Caller cancellation aborts the whole fetch; a shard-local
				// failure is recorded and the rest continue.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Warn("shard read failed", "shard", key.String(), "error", err)
				mu.Lock()
				failed = append(failed, key)
				mu.Unlock()
				return nil
			}
			perShard[i] = f.flatten(key, doc, pred)
			perShardBytes[i] = doc.Bytes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Superseded or cancelled call: abandon and discard.
		return RangeResult{}, err
	}

	var result RangeResult
	for i := range keys {
		result.Entries = append(result.Entries, perShard[i]...)
		result.Bytes += perShardBytes[i]
	}
	result.Failed = failed

	span.SetAttributes(
		attribute.Int("entries", len(result.Entries)),
		attribute.Int("bytes", result.Bytes),
		attribute.Int("failed_shards", len(failed)),
	)

	if len(failed) > 0 {
		return result, &PartialFetchFailure{Failed: failed}
	}
	return result, nil
}

// flatten turns one shard document into entries, applying pred if set.
func (f *Fetcher) flatten(key shard.Key, doc store.Document, pred Predicate) []Entry {
	var entries []Entry
	for childKey, raw := range doc.Children {
		id, err := visit.ParseIdentity(childKey)
		if err != nil {
			f.logger.Warn("skipping malformed shard child", "shard", key.String(), "key", childKey)
			continue
		}
		var fields visit.Fields
		if err := json.Unmarshal(raw, &fields); err != nil {
			f.logger.Warn("skipping undecodable shard child", "shard", key.String(), "key", childKey, "error", err)
			continue
		}
		// A null payload decodes to a nil map; billing attachment writes into
		// the entry's fields, so it must be a real map.
		if fields == nil {
			fields = visit.Fields{}
		}
		if pred != nil && !pred(id, fields) {
			continue
		}
		entries = append(entries, Entry{Identity: id, ShardKey: key, Fields: fields})
	}
	return entries
}

// AttachBilling issues second-stage billing reads only for the shards of
// entries that survived first-stage filtering, never for the unfiltered
// range, and merges matching billing payloads into each entry under
// "billing". Returns
// advisory bytes transferred; billing shard failures are isolated the same
// way range failures are.
func (f *Fetcher) AttachBilling(ctx context.Context, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	ctx, span := f.tracer.Start(ctx, "history.attach_billing",
		trace.WithAttributes(attribute.Int("entries", len(entries))))
	defer span.End()

	shards := make(map[shard.Key]bool)
	for _, e := range entries {
		shards[e.ShardKey] = true
	}

	var mu sync.Mutex
	billing := make(map[shard.Key]map[string]visit.Fields)
	var failed []shard.Key
	bytes := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)
	for key := range shards {
		g.Go(func() error {
			doc, err := f.gateway.ReadSubtree(gctx, visit.BillingDayPath(key.String()))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Warn("billing shard read failed", "shard", key.String(), "error", err)
				mu.Lock()
				failed = append(failed, key)
				mu.Unlock()
				return nil
			}
			byChild := make(map[string]visit.Fields, len(doc.Children))
			for childKey, raw := range doc.Children {
				var fields visit.Fields
				if err := json.Unmarshal(raw, &fields); err != nil {
					continue
				}
				byChild[childKey] = fields
			}
			mu.Lock()
			billing[key] = byChild
			bytes += doc.Bytes
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	for i := range entries {
		byChild := billing[entries[i].ShardKey]
		if byChild == nil {
			continue
		}
		if fields, ok := byChild[entries[i].Identity.ChildKey()]; ok {
			entries[i].Fields["billing"] = map[string]any(fields)
		}
	}

	if len(failed) > 0 {
		return bytes, &PartialFetchFailure{Failed: failed}
	}
	return bytes, nil
}
