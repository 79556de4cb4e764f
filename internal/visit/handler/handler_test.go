package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"opdesk/internal/cancel"
	"opdesk/internal/reconcile"
	"opdesk/internal/registrar"
	"opdesk/internal/shard"
	"opdesk/internal/visit"
	"opdesk/pkg/platform/sentinel"
)

type fakeResolver struct {
	lastFilter reconcile.Filter
	result     reconcile.Result
	err        error
}

func (f *fakeResolver) Resolve(ctx context.Context, filter reconcile.Filter) (reconcile.Result, error) {
	f.lastFilter = filter
	return f.result, f.err
}

type fakeRegistrar struct {
	lastNewVisit  registrar.NewVisit
	lastDischarge visit.Identity
	identity      visit.Identity
	err           error
}

func (f *fakeRegistrar) Register(ctx context.Context, nv registrar.NewVisit) (visit.Identity, error) {
	f.lastNewVisit = nv
	return f.identity, f.err
}

func (f *fakeRegistrar) Discharge(ctx context.Context, id visit.Identity, mode visit.Mode) error {
	f.lastDischarge = id
	return f.err
}

type fakeCanceller struct {
	lastRequest    cancel.Request
	lastCredential string
	err            error
}

func (f *fakeCanceller) Cancel(ctx context.Context, req cancel.Request, credential string) error {
	f.lastRequest = req
	f.lastCredential = credential
	return f.err
}

type HandlerSuite struct {
	suite.Suite
	resolver  *fakeResolver
	registrar *fakeRegistrar
	canceller *fakeCanceller
	router    chi.Router
}

func (s *HandlerSuite) SetupTest() {
	loc, err := time.LoadLocation("Asia/Kolkata")
	s.Require().NoError(err)
	codec := shard.NewCodecIn(loc)

	s.resolver = &fakeResolver{}
	s.registrar = &fakeRegistrar{}
	s.canceller = &fakeCanceller{}

	s.router = chi.NewRouter()
	New(s.resolver, s.registrar, s.canceller, codec, nil).Register(s.router)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) TestQuery() {
	s.Run("defaults to the opd tab", func() {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/visits", nil))
		s.Equal(http.StatusOK, rec.Code)
		s.Equal(visit.ModeOPD, s.resolver.lastFilter.Mode)
		s.Nil(s.resolver.lastFilter.Day)
	})

	s.Run("passes mode, date and query through", func() {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/visits?mode=admitted&date=2026-08-31&q=asha", nil))
		s.Equal(http.StatusOK, rec.Code)
		s.Equal(visit.ModeAdmitted, s.resolver.lastFilter.Mode)
		s.Require().NotNil(s.resolver.lastFilter.Day)
		s.Equal("asha", s.resolver.lastFilter.Query)
	})

	s.Run("serializes records and failed shards", func() {
		s.resolver.result = reconcile.Result{
			Records: []visit.Record{{
				Identity: visit.Identity{PatientID: "p1", VisitID: "v1"},
				Fields:   visit.Fields{"name": "Asha"},
				ShardKey: "20260831",
				Source:   visit.SourceLive,
			}},
			Bytes:        42,
			FailedShards: []shard.Key{"20260830"},
		}

		rec := s.do(httptest.NewRequest(http.MethodGet, "/visits?date=2026-08-31", nil))
		s.Require().Equal(http.StatusOK, rec.Code)

		var body struct {
			Records []struct {
				PatientID string         `json:"patient_id"`
				VisitID   string         `json:"visit_id"`
				Source    string         `json:"source"`
				Fields    map[string]any `json:"fields"`
			} `json:"records"`
			Bytes        int      `json:"bytes"`
			FailedShards []string `json:"failed_shards"`
		}
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
		s.Require().Len(body.Records, 1)
		s.Equal("p1", body.Records[0].PatientID)
		s.Equal("live", body.Records[0].Source)
		s.Equal(42, body.Bytes)
		s.Equal([]string{"20260830"}, body.FailedShards)
	})

	s.Run("rejects an unknown mode", func() {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/visits?mode=icu", nil))
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("rejects a malformed date", func() {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/visits?date=31-08-2026", nil))
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("store unavailability maps to 503", func() {
		s.resolver.err = sentinel.ErrStoreUnavailable
		defer func() { s.resolver.err = nil }()

		rec := s.do(httptest.NewRequest(http.MethodGet, "/visits", nil))
		s.Equal(http.StatusServiceUnavailable, rec.Code)
	})
}

func (s *HandlerSuite) TestRegister() {
	s.Run("creates a visit and returns its identity", func() {
		s.registrar.identity = visit.Identity{PatientID: "p1", VisitID: "visit-1"}

		body := `{"patient_id":"p1","name":"Asha Rao","mode":"opd","date":"2026-08-31"}`
		rec := s.do(httptest.NewRequest(http.MethodPost, "/visits", strings.NewReader(body)))
		s.Require().Equal(http.StatusCreated, rec.Code)

		var resp struct {
			PatientID string `json:"patient_id"`
			VisitID   string `json:"visit_id"`
		}
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal("visit-1", resp.VisitID)
		s.Equal("Asha Rao", s.registrar.lastNewVisit.Name)
		s.Equal(visit.ModeOPD, s.registrar.lastNewVisit.Mode)
	})

	s.Run("rejects unknown body fields", func() {
		body := `{"patient_id":"p1","unexpected":true}`
		rec := s.do(httptest.NewRequest(http.MethodPost, "/visits", strings.NewReader(body)))
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("requires a date", func() {
		body := `{"patient_id":"p1","mode":"opd"}`
		rec := s.do(httptest.NewRequest(http.MethodPost, "/visits", strings.NewReader(body)))
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("write rejection maps to 400", func() {
		s.registrar.err = sentinel.ErrWriteRejected
		defer func() { s.registrar.err = nil }()

		body := `{"patient_id":"","mode":"opd","date":"2026-08-31"}`
		rec := s.do(httptest.NewRequest(http.MethodPost, "/visits", strings.NewReader(body)))
		s.Equal(http.StatusBadRequest, rec.Code)
	})
}

func (s *HandlerSuite) TestDischarge() {
	rec := s.do(httptest.NewRequest(http.MethodPost, "/visits/p1/v1/discharge?mode=admitted", nil))
	s.Equal(http.StatusNoContent, rec.Code)
	s.Equal(visit.Identity{PatientID: "p1", VisitID: "v1"}, s.registrar.lastDischarge)
}

func (s *HandlerSuite) TestCancel() {
	s.Run("forwards identity, day and credential", func() {
		req := httptest.NewRequest(http.MethodDelete, "/visits/p1/v1?date=2026-08-31", nil)
		req.Header.Set(credentialHeader, "secret")

		rec := s.do(req)
		s.Equal(http.StatusNoContent, rec.Code)
		s.Equal(visit.Identity{PatientID: "p1", VisitID: "v1"}, s.canceller.lastRequest.Identity)
		s.Equal("secret", s.canceller.lastCredential)
		s.False(s.canceller.lastRequest.Day.IsZero())
	})

	s.Run("requires a date", func() {
		rec := s.do(httptest.NewRequest(http.MethodDelete, "/visits/p1/v1", nil))
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("bad credential maps to 401 without detail leakage", func() {
		s.canceller.err = sentinel.ErrUnauthorized
		defer func() { s.canceller.err = nil }()

		req := httptest.NewRequest(http.MethodDelete, "/visits/p1/v1?date=2026-08-31", nil)
		req.Header.Set(credentialHeader, "wrong")

		rec := s.do(req)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("store failure maps to 503", func() {
		s.canceller.err = sentinel.ErrStoreUnavailable
		defer func() { s.canceller.err = nil }()

		req := httptest.NewRequest(http.MethodDelete, "/visits/p1/v1?date=2026-08-31", nil)
		req.Header.Set(credentialHeader, "secret")

		rec := s.do(req)
		s.Equal(http.StatusServiceUnavailable, rec.Code)
	})
}
