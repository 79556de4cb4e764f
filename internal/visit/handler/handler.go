package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opdesk/internal/cancel"
	"opdesk/internal/reconcile"
	"opdesk/internal/registrar"
	"opdesk/internal/shard"
	"opdesk/internal/visit"
	"opdesk/internal/visit/metrics"
	dErrors "opdesk/pkg/domain-errors"
	"opdesk/pkg/platform/httputil"
	"opdesk/pkg/platform/sentinel"
)

// credentialHeader carries the shared cancellation secret.
const credentialHeader = "X-Cancel-Credential"

// Resolver answers front-desk queries.
type Resolver interface {
	Resolve(ctx context.Context, f reconcile.Filter) (reconcile.Result, error)
}

// Registrar opens and closes visits.
type Registrar interface {
	Register(ctx context.Context, nv registrar.NewVisit) (visit.Identity, error)
	Discharge(ctx context.Context, id visit.Identity, mode visit.Mode) error
}

// Canceller removes a visit from every store path atomically.
type Canceller interface {
	Cancel(ctx context.Context, req cancel.Request, credential string) error
}

// Handler wires the visit endpoints to the domain services.
type Handler struct {
	resolver  Resolver
	registrar Registrar
	canceller Canceller
	codec     *shard.Codec
	metrics   *metrics.Metrics
}

// New constructs a visit handler with its dependencies.
func New(resolver Resolver, reg Registrar, canceller Canceller, codec *shard.Codec, m *metrics.Metrics) *Handler {
	return &Handler{
		resolver:  resolver,
		registrar: reg,
		canceller: canceller,
		codec:     codec,
		metrics:   m,
	}
}

// Register mounts the visit endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/visits", h.HandleQuery)
	r.Post("/visits", h.HandleRegister)
	r.Post("/visits/{patientID}/{visitID}/discharge", h.HandleDischarge)
	r.Delete("/visits/{patientID}/{visitID}", h.HandleCancel)
}

type queryResponse struct {
	Records      []recordPayload `json:"records"`
	Bytes        int             `json:"bytes"`
	FailedShards []string        `json:"failed_shards,omitempty"`
}

type recordPayload struct {
	PatientID string       `json:"patient_id"`
	VisitID   string       `json:"visit_id"`
	Source    string       `json:"source"`
	ShardKey  string       `json:"shard_key,omitempty"`
	Fields    visit.Fields `json:"fields"`
}

// HandleQuery handles GET /visits?mode=&date=&q= requests.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	filter := reconcile.Filter{
		Mode:  visit.Mode(r.URL.Query().Get("mode")),
		Query: r.URL.Query().Get("q"),
	}
	if filter.Mode == "" {
		filter.Mode = visit.ModeOPD
	}
	if !filter.Mode.Valid() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unknown mode"))
		return
	}
	if raw := r.URL.Query().Get("date"); raw != "" {
		day, err := h.codec.ParseDay(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "date must be YYYY-MM-DD"))
			return
		}
		filter.Day = &day
	}

	result, err := h.resolver.Resolve(ctx, filter)
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	h.metrics.ObserveResolveLatency(time.Since(start))
	h.metrics.AddDegradedShards(len(result.FailedShards))

	resp := queryResponse{
		Records: make([]recordPayload, 0, len(result.Records)),
		Bytes:   result.Bytes,
	}
	for _, rec := range result.Records {
		resp.Records = append(resp.Records, recordPayload{
			PatientID: rec.Identity.PatientID,
			VisitID:   rec.Identity.VisitID,
			Source:    string(rec.Source),
			ShardKey:  rec.ShardKey,
			Fields:    rec.Fields,
		})
	}
	for _, key := range result.FailedShards {
		resp.FailedShards = append(resp.FailedShards, key.String())
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Ward      string `json:"ward"`
	Category  string `json:"category"`
	Mode      string `json:"mode"`
	Date      string `json:"date"`
}

type registerResponse struct {
	PatientID string `json:"patient_id"`
	VisitID   string `json:"visit_id"`
}

// HandleRegister handles POST /visits requests.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	day, err := h.parseDate(req.Date)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	mode := visit.Mode(req.Mode)
	id, err := h.registrar.Register(ctx, registrar.NewVisit{
		PatientID: req.PatientID,
		Name:      req.Name,
		Phone:     req.Phone,
		Ward:      req.Ward,
		Category:  req.Category,
		Mode:      mode,
		Day:       day,
	})
	if err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	h.metrics.IncrementRegistration(string(mode))

	httputil.WriteJSON(w, http.StatusCreated, registerResponse{
		PatientID: id.PatientID,
		VisitID:   id.VisitID,
	})
}

// HandleDischarge handles POST /visits/{patientID}/{visitID}/discharge requests.
func (h *Handler) HandleDischarge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := visit.Identity{
		PatientID: chi.URLParam(r, "patientID"),
		VisitID:   chi.URLParam(r, "visitID"),
	}
	mode := visit.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = visit.ModeOPD
	}

	if err := h.registrar.Discharge(ctx, id, mode); err != nil {
		httputil.WriteError(w, translate(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCancel handles DELETE /visits/{patientID}/{visitID}?date= requests.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := visit.Identity{
		PatientID: chi.URLParam(r, "patientID"),
		VisitID:   chi.URLParam(r, "visitID"),
	}
	day, err := h.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	err = h.canceller.Cancel(ctx, cancel.Request{Identity: id, Day: day}, r.Header.Get(credentialHeader))
	if err != nil {
		result := "error"
		if errors.Is(err, sentinel.ErrUnauthorized) {
			result = "unauthorized"
		}
		h.metrics.IncrementCancellation(result)
		httputil.WriteError(w, translate(err))
		return
	}
	h.metrics.IncrementCancellation("ok")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, dErrors.New(dErrors.CodeBadRequest, "date is required")
	}
	day, err := h.codec.ParseDay(raw)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeBadRequest, "date must be YYYY-MM-DD")
	}
	return day, nil
}

// translate maps infrastructure sentinels onto transport-facing domain errors.
func translate(err error) error {
	var de dErrors.DomainError
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrUnauthorized):
		return dErrors.Wrap(dErrors.CodeUnauthorized, "invalid cancellation credential", err)
	case errors.Is(err, sentinel.ErrWriteRejected), errors.Is(err, sentinel.ErrInvalidInstant):
		return dErrors.Wrap(dErrors.CodeBadRequest, err.Error(), err)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(dErrors.CodeNotFound, "visit not found", err)
	case errors.Is(err, sentinel.ErrStoreUnavailable):
		return dErrors.Wrap(dErrors.CodeUnavailable, "document store unavailable", err)
	default:
		return err
	}
}
