package liveview

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"opdesk/internal/store"
	"opdesk/internal/visit"
)

type LiveViewSuite struct {
	suite.Suite
	gateway *store.MemoryGateway
	ctx     context.Context
}

func (s *LiveViewSuite) SetupTest() {
	s.gateway = store.NewMemoryGateway()
	s.ctx = context.Background()
}

func (s *LiveViewSuite) SetupSubTest() {
	s.SetupTest()
}

func TestLiveViewSuite(t *testing.T) {
	suite.Run(t, new(LiveViewSuite))
}

func (s *LiveViewSuite) newView(path string) *View {
	return New(s.gateway, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *LiveViewSuite) write(writes map[string]any) {
	s.Require().NoError(s.gateway.WriteAtomic(s.ctx, writes))
}

// waitFor polls the snapshot until cond holds or the test times out.
func (s *LiveViewSuite) waitFor(v *View, cond func([]Entry) bool) []Entry {
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := v.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			s.Require().FailNowf("timeout", "condition not reached, snapshot has %d entries", len(snap))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *LiveViewSuite) TestConvergence() {
	s.Run("catch-up replay populates the view without a separate read", func() {
		s.write(map[string]any{
			"visits/live/opd/p1:v1": visit.Fields{"name": "Asha"},
			"visits/live/opd/p2:v2": visit.Fields{"name": "Ravi"},
		})

		view := s.newView("visits/live/opd")
		s.Require().NoError(view.Start(s.ctx))
		defer view.Stop()

		snap := s.waitFor(view, func(entries []Entry) bool { return len(entries) == 2 })
		s.Equal("Asha", snap[0].Fields["name"])
		s.Equal("Ravi", snap[1].Fields["name"])
	})

	s.Run("live adds, changes and removes flow through", func() {
		view := s.newView("visits/live/admitted")
		s.Require().NoError(view.Start(s.ctx))
		defer view.Stop()

		s.write(map[string]any{"visits/live/admitted/p1:v1": visit.Fields{"name": "Asha", "ward": "3A"}})
		s.waitFor(view, func(entries []Entry) bool { return len(entries) == 1 })

		s.write(map[string]any{"visits/live/admitted/p1:v1": visit.Fields{"ward": "3B"}})
		snap := s.waitFor(view, func(entries []Entry) bool {
			return len(entries) == 1 && entries[0].Fields["ward"] == "3B"
		})
		// Shallow merge keeps fields the change did not carry.
		s.Equal("Asha", snap[0].Fields["name"])

		s.write(map[string]any{"visits/live/admitted/p1:v1": nil})
		s.waitFor(view, func(entries []Entry) bool { return len(entries) == 0 })
	})

	s.Run("snapshot preserves arrival order", func() {
		view := s.newView("visits/live/opd")
		s.Require().NoError(view.Start(s.ctx))
		defer view.Stop()

		s.write(map[string]any{"visits/live/opd/p3:v3": visit.Fields{"name": "Meena"}})
		s.write(map[string]any{"visits/live/opd/p1:v1": visit.Fields{"name": "Asha"}})

		snap := s.waitFor(view, func(entries []Entry) bool { return len(entries) == 2 })
		s.Less(snap[0].FirstSeenSeq, snap[1].FirstSeenSeq)
	})
}

func (s *LiveViewSuite) TestApplySemantics() {
	payload := func(fields visit.Fields) json.RawMessage {
		raw, err := json.Marshal(fields)
		s.Require().NoError(err)
		return raw
	}

	s.Run("duplicate added event is idempotent", func() {
		view := s.newView("visits/live/opd")
		s.True(view.apply(store.Event{Kind: store.ChildAdded, Key: "p1:v1", Value: payload(visit.Fields{"name": "Asha"})}))
		s.False(view.apply(store.Event{Kind: store.ChildAdded, Key: "p1:v1", Value: payload(visit.Fields{"name": "Asha"})}))
		s.Len(view.Snapshot(), 1)
	})

	s.Run("change for an unseen identity inserts it", func() {
		view := s.newView("visits/live/opd")
		s.True(view.apply(store.Event{Kind: store.ChildChanged, Key: "p2:v2", Value: payload(visit.Fields{"name": "Ravi"})}))
		snap := view.Snapshot()
		s.Require().Len(snap, 1)
		s.Equal("Ravi", snap[0].Fields["name"])
	})

	s.Run("remove for an absent identity is a no-op", func() {
		view := s.newView("visits/live/opd")
		s.False(view.apply(store.Event{Kind: store.ChildRemoved, Key: "p9:v9"}))
	})

	s.Run("malformed keys and payloads are skipped", func() {
		view := s.newView("visits/live/opd")
		s.False(view.apply(store.Event{Kind: store.ChildAdded, Key: "no-separator", Value: payload(visit.Fields{})}))
		s.False(view.apply(store.Event{Kind: store.ChildAdded, Key: "p1:v1", Value: json.RawMessage("{broken")}))
		s.Empty(view.Snapshot())
	})

	s.Run("null payload decodes to an empty map and later changes merge", func() {
		view := s.newView("visits/live/opd")
		s.True(view.apply(store.Event{Kind: store.ChildAdded, Key: "p1:v1", Value: json.RawMessage("null")}))

		// The next change for the same identity must merge into a real map.
		s.True(view.apply(store.Event{Kind: store.ChildChanged, Key: "p1:v1", Value: payload(visit.Fields{"ward": "3A"})}))

		snap := view.Snapshot()
		s.Require().Len(snap, 1)
		s.Equal("3A", snap[0].Fields["ward"])
	})

	s.Run("snapshot fields do not alias view state", func() {
		view := s.newView("visits/live/opd")
		s.True(view.apply(store.Event{Kind: store.ChildAdded, Key: "p1:v1", Value: payload(visit.Fields{"name": "Asha"})}))
		snap := view.Snapshot()
		snap[0].Fields["name"] = "tampered"
		s.Equal("Asha", view.Snapshot()[0].Fields["name"])
	})
}

func (s *LiveViewSuite) TestStop() {
	s.Run("stop drains the loop and later events are not applied", func() {
		view := s.newView("visits/live/opd")
		s.Require().NoError(view.Start(s.ctx))

		s.write(map[string]any{"visits/live/opd/p1:v1": visit.Fields{"name": "Asha"}})
		s.waitFor(view, func(entries []Entry) bool { return len(entries) == 1 })

		view.Stop()
		s.write(map[string]any{"visits/live/opd/p2:v2": visit.Fields{"name": "Ravi"}})
		time.Sleep(20 * time.Millisecond)
		s.Len(view.Snapshot(), 1)
	})

	s.Run("stop before start is safe", func() {
		view := s.newView("visits/live/opd")
		view.Stop()
	})
}

func (s *LiveViewSuite) TestChanges() {
	view := s.newView("visits/live/opd")
	s.Require().NoError(view.Start(s.ctx))
	defer view.Stop()

	s.write(map[string]any{"visits/live/opd/p1:v1": visit.Fields{"name": "Asha"}})

	select {
	case <-view.Changes():
	case <-time.After(2 * time.Second):
		s.FailNow("no change signal")
	}
}
