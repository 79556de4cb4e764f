// Package reconcile merges the live view and historical fetches into one
// answer per query, deduplicating by identity with a live-wins precedence
// rule: the live view reflects change events that arrived after a historical
// fetch started, so for a duplicated identity its fields are authoritative.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"opdesk/internal/history"
	"opdesk/internal/liveview"
	"opdesk/internal/shard"
	"opdesk/internal/visit"
)

// searchFields are the payload fields a text query inspects. The payload is
// otherwise opaque to the core.
var searchFields = []string{"name", "phone", "ward", "category"}

// Filter describes one query: which tab, optionally which day, optionally a
// text search.
type Filter struct {
	Mode  visit.Mode
	Day   *time.Time
	Query string
}

func (f Filter) needsHistory() bool {
	return f.Day != nil || strings.TrimSpace(f.Query) != ""
}

// Result is one resolved answer. FailedShards is a degraded-mode warning for
// the UI; the records present are still valid.
type Result struct {
	Filter       Filter
	Records      []visit.Record
	Bytes        int
	FailedShards []shard.Key
}

// LiveSource is the live view surface the reconciler consumes.
type LiveSource interface {
	Snapshot() []liveview.Entry
	Changes() <-chan struct{}
	Stop()
}

// HistorySource is the historical fetcher surface the reconciler consumes.
type HistorySource interface {
	FetchMatching(ctx context.Context, keys []shard.Key, pred history.Predicate) (history.RangeResult, error)
	AttachBilling(ctx context.Context, entries []history.Entry) (int, error)
}

// ViewFactory builds and starts a live view for a mode. The reconciler owns
// the teardown discipline: the old view is fully stopped before the new one
// is observed.
type ViewFactory func(ctx context.Context, mode visit.Mode) (LiveSource, error)

// Reconciler answers resolve queries and, when running, re-resolves on live
// changes and filter updates with debouncing.
type Reconciler struct {
	fetcher HistorySource
	views   ViewFactory
	codec   *shard.Codec
	logger  *slog.Logger

	searchWindowDays int
	debounce         time.Duration
	now              func() time.Time

	mu       sync.Mutex
	mode     visit.Mode
	view     LiveSource
	filter   Filter
	gen      uint64
	inFlight context.CancelFunc

	filterCh chan Filter
	results  chan Result
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSearchWindowDays bounds how far back an undated text search fans out.
func WithSearchWindowDays(days int) Option {
	return func(r *Reconciler) { r.searchWindowDays = days }
}

// WithDebounce sets the coalescing interval for re-resolution triggers.
func WithDebounce(d time.Duration) Option {
	return func(r *Reconciler) { r.debounce = d }
}

// WithClock overrides the wall clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a reconciler. The initial live view is created lazily on the
// first query or Run.
func New(fetcher HistorySource, views ViewFactory, codec *shard.Codec, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		fetcher:          fetcher,
		views:            views,
		codec:            codec,
		logger:           logger.With("component", "reconcile"),
		searchWindowDays: 90,
		debounce:         250 * time.Millisecond,
		now:              time.Now,
		filter:           Filter{Mode: visit.ModeOPD},
		filterCh:         make(chan Filter, 1),
		results:          make(chan Result, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve answers one query immediately. It always takes the live snapshot;
// history is fetched only when the filter needs it. Partial shard failures
// degrade the result (warning in FailedShards) rather than failing it.
func (r *Reconciler) Resolve(ctx context.Context, f Filter) (Result, error) {
	view, err := r.viewFor(ctx, f.Mode)
	if err != nil {
		return Result{}, err
	}

	result := Result{Filter: f}
	var historical []history.Entry

	if f.needsHistory() {
		keys, err := r.shardKeys(f)
		if err != nil {
			return Result{}, err
		}

		var pred history.Predicate
		if strings.TrimSpace(f.Query) != "" {
			pred = history.FieldContains(f.Query, searchFields...)
		}

		fetched, err := r.fetcher.FetchMatching(ctx, keys, pred)
		var partial *history.PartialFetchFailure
		switch {
		case err == nil:
		case errors.As(err, &partial):
			result.FailedShards = append(result.FailedShards, partial.Failed...)
		default:
			return Result{}, err
		}
		result.Bytes += fetched.Bytes
		historical = fetched.Entries

		bytes, err := r.fetcher.AttachBilling(ctx, historical)
		switch {
		case err == nil:
		case errors.As(err, &partial):
			result.FailedShards = append(result.FailedShards, partial.Failed...)
		default:
			return Result{}, err
		}
		result.Bytes += bytes
	}

	// The snapshot is taken after the fetch returns so it reflects any change
	// events that arrived while the fetch was in flight.
	result.Records = merge(view.Snapshot(), historical)
	result.Records = applyFilter(result.Records, f, r.codec)
	return result, nil
}

// SetFilter schedules a re-resolution with the new filter. Rapid successive
// calls coalesce; only the latest filter is resolved.
func (r *Reconciler) SetFilter(f Filter) {
	r.mu.Lock()
	r.filter = f
	r.mu.Unlock()

	// Non-blocking replace-pending: drop one stale signal and retry until the
	// send lands. Never blocks the caller, even with no loop draining and
	// concurrent SetFilter callers racing the drain. The channel only signals;
	// the loop always resolves the latest filter from r.filter.
	for {
		select {
		case r.filterCh <- f:
			return
		default:
		}
		select {
		case <-r.filterCh:
		default:
		}
	}
}

// Results delivers resolved answers from the watch loop. Stale results are
// replaced, not queued.
func (r *Reconciler) Results() <-chan Result { return r.results }

// Run watches the live view and filter changes, debounces bursts, and
// re-resolves. A new trigger supersedes the in-flight resolution: its context
// is cancelled and its result discarded.
func (r *Reconciler) Run(ctx context.Context) error {
	// Materialize the initial view so Changes has a source.
	if _, err := r.viewFor(ctx, r.currentFilter().Mode); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(r.debounce)
			timerC = timer.C
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.debounce)
	}

	for {
		select {
		case <-ctx.Done():
			r.cancelInFlight()
			r.stopView()
			return ctx.Err()
		case <-r.currentChanges():
			arm()
		case <-r.filterCh:
			arm()
		case <-timerC:
			r.resolveLatest(ctx)
		}
	}
}

// resolveLatest cancels any in-flight resolution and starts one for the
// current filter. Superseded results are discarded by generation check.
func (r *Reconciler) resolveLatest(parent context.Context) {
	r.mu.Lock()
	if r.inFlight != nil {
		r.inFlight()
	}
	ctx, cancel := context.WithCancel(parent)
	r.inFlight = cancel
	r.gen++
	gen := r.gen
	f := r.filter
	r.mu.Unlock()

	go func() {
		defer cancel()
		result, err := r.Resolve(ctx, f)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("resolve failed", "mode", string(f.Mode), "error", err)
			}
			return
		}

		r.mu.Lock()
		stale := gen != r.gen
		r.mu.Unlock()
		if stale {
			return
		}

		select {
		case r.results <- result:
		default:
			select {
			case <-r.results:
			default:
			}
			select {
			case r.results <- result:
			default:
			}
		}
	}()
}

func (r *Reconciler) currentFilter() Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter
}

func (r *Reconciler) currentChanges() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view == nil {
		return nil
	}
	return r.view.Changes()
}

// viewFor returns the live view for mode, tearing down and replacing the
// current one on a tab switch. The old view is stopped (subscription closed
// and drained) before the new one is built, so stale events never cross over.
func (r *Reconciler) viewFor(ctx context.Context, mode visit.Mode) (LiveSource, error) {
	if !mode.Valid() {
		mode = visit.ModeOPD
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.view != nil && r.mode == mode {
		return r.view, nil
	}
	if r.view != nil {
		r.view.Stop()
		r.view = nil
	}
	view, err := r.views(ctx, mode)
	if err != nil {
		return nil, err
	}
	r.view = view
	r.mode = mode
	return view, nil
}

func (r *Reconciler) stopView() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view != nil {
		r.view.Stop()
		r.view = nil
	}
}

func (r *Reconciler) cancelInFlight() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight != nil {
		r.inFlight()
		r.inFlight = nil
	}
}

// shardKeys computes the shard fan-out for a filter: the explicit day when
// given, otherwise the trailing search window.
func (r *Reconciler) shardKeys(f Filter) ([]shard.Key, error) {
	if f.Day != nil {
		key, err := r.codec.KeyFor(*f.Day)
		if err != nil {
			return nil, err
		}
		return []shard.Key{key}, nil
	}
	end := r.now()
	start := end.AddDate(0, 0, -(r.searchWindowDays - 1))
	return r.codec.RangeOf(start, end)
}

// merge unions live and historical entries by identity. For a duplicated
// identity the historical fields form the base and the live fields overlay
// them, so history-only data (consolidated billing) survives while every
// field both sides carry takes the live value.
func merge(live []liveview.Entry, historical []history.Entry) []visit.Record {
	byIdentity := make(map[visit.Identity]*visit.Record, len(live)+len(historical))

	for _, h := range historical {
		if existing, ok := byIdentity[h.Identity]; ok {
			// Same identity in two shards: keep the first, merge fields.
			existing.Fields.Merge(h.Fields)
			continue
		}
		byIdentity[h.Identity] = &visit.Record{
			Identity: h.Identity,
			Fields:   h.Fields.Clone(),
			ShardKey: h.ShardKey.String(),
			Source:   visit.SourceHistory,
		}
	}

	liveOrder := make([]visit.Identity, 0, len(live))
	for _, l := range live {
		liveOrder = append(liveOrder, l.Identity)
		if existing, ok := byIdentity[l.Identity]; ok {
			existing.Fields.Merge(l.Fields)
			existing.Source = visit.SourceLive
			continue
		}
		byIdentity[l.Identity] = &visit.Record{
			Identity: l.Identity,
			Fields:   l.Fields.Clone(),
			Source:   visit.SourceLive,
		}
	}

	// Live entries first in arrival order, then historical-only entries in
	// (shard, identity) order. Callers needing a different order sort
	// explicitly.
	records := make([]visit.Record, 0, len(byIdentity))
	for _, id := range liveOrder {
		records = append(records, *byIdentity[id])
		delete(byIdentity, id)
	}
	rest := make([]visit.Record, 0, len(byIdentity))
	for _, rec := range byIdentity {
		rest = append(rest, *rec)
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].ShardKey != rest[j].ShardKey {
			return rest[i].ShardKey < rest[j].ShardKey
		}
		return rest[i].Identity.ChildKey() < rest[j].Identity.ChildKey()
	})
	return append(records, rest...)
}

// applyFilter runs day and text filtering over fully merged records, so
// history-populated fields participate in matching.
func applyFilter(records []visit.Record, f Filter, codec *shard.Codec) []visit.Record {
	dayKey := ""
	if f.Day != nil {
		if key, err := codec.KeyFor(*f.Day); err == nil {
			dayKey = key.String()
		}
	}
	query := strings.ToLower(strings.TrimSpace(f.Query))

	out := records[:0]
	for _, rec := range records {
		if dayKey != "" && recordDay(rec) != dayKey {
			continue
		}
		if query != "" && !matchesQuery(rec, query) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// recordDay resolves which calendar day a record belongs to: the shard it was
// read from wins; live-only records fall back to the day the registrar
// stamped.
func recordDay(rec visit.Record) string {
	if rec.ShardKey != "" {
		return rec.ShardKey
	}
	if day, ok := rec.Fields["day"].(string); ok {
		return day
	}
	return ""
}

func matchesQuery(rec visit.Record, query string) bool {
	if strings.Contains(strings.ToLower(rec.Identity.PatientID), query) ||
		strings.Contains(strings.ToLower(rec.Identity.VisitID), query) {
		return true
	}
	for _, name := range searchFields {
		if v, ok := rec.Fields[name]; ok && containsFold(v, query) {
			return true
		}
	}
	if billing, ok := rec.Fields["billing"].(map[string]any); ok {
		for _, v := range billing {
			if containsFold(v, query) {
				return true
			}
		}
	}
	return false
}

func containsFold(v any, query string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(s), query)
}
