package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"opdesk/internal/audit"
	"opdesk/internal/shard"
	"opdesk/internal/store"
	"opdesk/internal/store/mocks"
	"opdesk/internal/visit"
	"opdesk/pkg/platform/sentinel"
)

const goodSecret = "front-desk-secret"

type CoordinatorSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	gateway    *mocks.MockGateway
	codec      *shard.Codec
	secretHash string
	ctx        context.Context
}

func (s *CoordinatorSuite) SetupSuite() {
	hash, err := bcrypt.GenerateFromPassword([]byte(goodSecret), bcrypt.MinCost)
	s.Require().NoError(err)
	s.secretHash = string(hash)
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.gateway = mocks.NewMockGateway(s.ctrl)
	loc, err := time.LoadLocation("Asia/Kolkata")
	s.Require().NoError(err)
	s.codec = shard.NewCodecIn(loc)
	s.ctx = context.Background()
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) newCoordinator(opts ...Option) *Coordinator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(s.gateway, s.codec, s.secretHash, logger, opts...)
	s.Require().NoError(err)
	return c
}

func (s *CoordinatorSuite) request() Request {
	return Request{
		Identity: visit.Identity{PatientID: "p1", VisitID: "v1"},
		Day:      time.Date(2026, 8, 31, 10, 0, 0, 0, s.codec.Location()),
	}
}

func (s *CoordinatorSuite) TestCredentialCheck() {
	s.Run("bad credential is rejected before any store access", func() {
		c := s.newCoordinator()
		err := c.Cancel(s.ctx, s.request(), "wrong")
		s.Require().ErrorIs(err, sentinel.ErrUnauthorized)
	})

	s.Run("rejection is identical for a nonexistent visit", func() {
		c := s.newCoordinator()
		req := s.request()
		req.Identity = visit.Identity{PatientID: "ghost", VisitID: "v9"}
		err := c.Cancel(s.ctx, req, "wrong")
		s.Require().ErrorIs(err, sentinel.ErrUnauthorized)
	})
}

func (s *CoordinatorSuite) TestCancelPathSet() {
	s.Run("deletes live entries and the day record in one write", func() {
		s.gateway.EXPECT().
			ReadSubtree(gomock.Any(), "billing/day/20260831").
			Return(store.Document{Children: map[string]json.RawMessage{}}, nil)

		var captured map[string]any
		s.gateway.EXPECT().
			WriteAtomic(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, writes map[string]any) error {
				captured = writes
				return nil
			})

		c := s.newCoordinator()
		s.Require().NoError(c.Cancel(s.ctx, s.request(), goodSecret))

		s.Len(captured, 3)
		s.Contains(captured, "visits/live/opd/p1:v1")
		s.Contains(captured, "visits/live/admitted/p1:v1")
		s.Contains(captured, "visits/day/20260831/p1:v1")
		for path, value := range captured {
			s.Nil(value, "path %s must map to delete", path)
		}
	})

	s.Run("billing entry is included when it exists", func() {
		s.gateway.EXPECT().
			ReadSubtree(gomock.Any(), "billing/day/20260831").
			Return(store.Document{Children: map[string]json.RawMessage{
				"p1:v1": json.RawMessage(`{"amount":1200}`),
			}}, nil)

		var captured map[string]any
		s.gateway.EXPECT().
			WriteAtomic(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, writes map[string]any) error {
				captured = writes
				return nil
			})

		c := s.newCoordinator()
		s.Require().NoError(c.Cancel(s.ctx, s.request(), goodSecret))

		s.Len(captured, 4)
		s.Contains(captured, "billing/day/20260831/p1:v1")
	})
}

func (s *CoordinatorSuite) TestCancelFailures() {
	s.Run("incomplete identity is rejected", func() {
		c := s.newCoordinator()
		req := s.request()
		req.Identity.VisitID = ""
		err := c.Cancel(s.ctx, req, goodSecret)
		s.Require().ErrorIs(err, sentinel.ErrWriteRejected)
	})

	s.Run("zero day is rejected", func() {
		c := s.newCoordinator()
		req := s.request()
		req.Day = time.Time{}
		err := c.Cancel(s.ctx, req, goodSecret)
		s.Require().ErrorIs(err, sentinel.ErrInvalidInstant)
	})

	s.Run("write failure surfaces without partial cleanup", func() {
		s.gateway.EXPECT().
			ReadSubtree(gomock.Any(), gomock.Any()).
			Return(store.Document{Children: map[string]json.RawMessage{}}, nil)
		s.gateway.EXPECT().
			WriteAtomic(gomock.Any(), gomock.Any()).
			Return(sentinel.ErrStoreUnavailable)

		c := s.newCoordinator()
		err := c.Cancel(s.ctx, s.request(), goodSecret)
		s.Require().ErrorIs(err, sentinel.ErrStoreUnavailable)
	})

	s.Run("billing existence read failure aborts before the write", func() {
		s.gateway.EXPECT().
			ReadSubtree(gomock.Any(), gomock.Any()).
			Return(store.Document{}, errors.New("read failed"))

		c := s.newCoordinator()
		err := c.Cancel(s.ctx, s.request(), goodSecret)
		s.Require().Error(err)
	})
}

func (s *CoordinatorSuite) TestSideEffects() {
	s.gateway.EXPECT().
		ReadSubtree(gomock.Any(), gomock.Any()).
		Return(store.Document{Children: map[string]json.RawMessage{}}, nil)
	s.gateway.EXPECT().
		WriteAtomic(gomock.Any(), gomock.Any()).
		Return(nil)

	publisher := audit.NewPublisher(8)
	c := s.newCoordinator(WithAuditPublisher(publisher))
	s.Require().NoError(c.Cancel(s.ctx, s.request(), goodSecret))

	select {
	case event := <-publisher.Inbox():
		s.Equal(audit.ActionCancel, event.Action)
		s.Equal("p1", event.PatientID)
		s.Equal("v1", event.VisitID)
		s.Equal("20260831", event.ShardKey)
		s.False(event.Timestamp.IsZero())
	default:
		s.FailNow("no audit event emitted")
	}
}
