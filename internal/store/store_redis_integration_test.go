//go:build integration

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"opdesk/pkg/testutil/containers"
)

type RedisGatewaySuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	gateway *RedisGateway
	ctx     context.Context
}

func (s *RedisGatewaySuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.gateway = NewRedisGateway(s.redis.Client)
	s.ctx = context.Background()
}

func (s *RedisGatewaySuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func TestRedisGatewaySuite(t *testing.T) {
	suite.Run(t, new(RedisGatewaySuite))
}

func (s *RedisGatewaySuite) collect(sub Subscription, n int) []Event {
	events := make([]Event, 0, n)
	for len(events) < n {
		select {
		case ev, ok := <-sub.Events():
			s.Require().True(ok, "events channel closed early")
			events = append(events, ev)
		case <-time.After(5 * time.Second):
			s.Require().FailNowf("timeout", "got %d of %d events", len(events), n)
		}
	}
	return events
}

func (s *RedisGatewaySuite) TestReadSubtree() {
	s.Run("missing path yields an empty document", func() {
		doc, err := s.gateway.ReadSubtree(s.ctx, "visits/day/20260831")
		s.Require().NoError(err)
		s.Empty(doc.Children)
	})

	s.Run("round-trips written children", func() {
		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/day/20260831/p1:v1": map[string]any{"name": "Asha"},
		}))

		doc, err := s.gateway.ReadSubtree(s.ctx, "visits/day/20260831")
		s.Require().NoError(err)
		s.Require().Contains(doc.Children, "p1:v1")

		var fields map[string]any
		s.Require().NoError(json.Unmarshal(doc.Children["p1:v1"], &fields))
		s.Equal("Asha", fields["name"])
		s.Positive(doc.Bytes)
	})
}

func (s *RedisGatewaySuite) TestWriteAtomic() {
	s.Run("applies writes and deletes across subtrees", func() {
		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/live/opd/p1:v1":     map[string]any{"name": "Asha"},
			"visits/day/20260831/p1:v1": map[string]any{"name": "Asha"},
		}))
		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/live/opd/p1:v1":     nil,
			"visits/day/20260831/p1:v1": nil,
		}))

		live, err := s.gateway.ReadSubtree(s.ctx, "visits/live/opd")
		s.Require().NoError(err)
		s.Empty(live.Children)
		day, err := s.gateway.ReadSubtree(s.ctx, "visits/day/20260831")
		s.Require().NoError(err)
		s.Empty(day.Children)
	})

	s.Run("rejects paths without a parent split", func() {
		err := s.gateway.WriteAtomic(s.ctx, map[string]any{"nopath": map[string]any{}})
		s.Require().Error(err)
	})
}

func (s *RedisGatewaySuite) TestSubscribeChildren() {
	s.Run("catch-up then live events in commit order", func() {
		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/live/opd/p1:v1": map[string]any{"name": "Asha"},
		}))

		sub, err := s.gateway.SubscribeChildren(s.ctx, "visits/live/opd")
		s.Require().NoError(err)
		defer sub.Close()

		catchup := s.collect(sub, 1)
		s.Equal(ChildAdded, catchup[0].Kind)
		s.Equal("p1:v1", catchup[0].Key)

		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/live/opd/p1:v1": map[string]any{"name": "Asha", "ward": "3A"},
		}))
		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/live/opd/p1:v1": nil,
		}))

		events := s.collect(sub, 2)
		s.Equal(ChildChanged, events[0].Kind)
		s.Equal(ChildRemoved, events[1].Kind)
	})

	s.Run("events are scoped to the subscribed parent", func() {
		sub, err := s.gateway.SubscribeChildren(s.ctx, "visits/live/admitted")
		s.Require().NoError(err)
		defer sub.Close()

		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/live/opd/p2:v2": map[string]any{"name": "Ravi"},
		}))
		s.Require().NoError(s.gateway.WriteAtomic(s.ctx, map[string]any{
			"visits/live/admitted/p3:v3": map[string]any{"name": "Meena"},
		}))

		events := s.collect(sub, 1)
		s.Equal("p3:v3", events[0].Key)
	})

	s.Run("close stops delivery", func() {
		sub, err := s.gateway.SubscribeChildren(s.ctx, "visits/live/opd")
		s.Require().NoError(err)
		sub.Close()
		sub.Close()

		deadline := time.After(5 * time.Second)
		for {
			select {
			case _, ok := <-sub.Events():
				if !ok {
					return
				}
			case <-deadline:
				s.FailNow("events channel not closed")
			}
		}
	})
}
