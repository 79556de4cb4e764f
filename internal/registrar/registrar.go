// Package registrar opens and closes visits at the front desk. Registration
// writes the live index entry and the day-shard detail record together;
// discharge removes only the live index entry, leaving the day shard as the
// historical record.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opdesk/internal/audit"
	"opdesk/internal/notify"
	"opdesk/internal/shard"
	"opdesk/internal/store"
	"opdesk/internal/visit"
	"opdesk/pkg/platform/sentinel"
)

// NewVisit carries the intake form for a registration.
type NewVisit struct {
	PatientID string
	Name      string
	Phone     string
	Ward      string
	Category  string
	Mode      visit.Mode
	Day       time.Time
}

// Registrar creates and discharges visits.
type Registrar struct {
	gateway store.Gateway
	codec   *shard.Codec
	logger  *slog.Logger

	publisher *audit.Publisher
	notifier  notify.Notifier
	newID     func() string
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithAuditPublisher records registrations and discharges on the audit trail.
func WithAuditPublisher(p *audit.Publisher) Option {
	return func(r *Registrar) { r.publisher = p }
}

// WithNotifier sends fire-and-forget lifecycle notices.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Registrar) { r.notifier = n }
}

// WithIDGenerator overrides visit ID generation, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registrar) { r.newID = gen }
}

func New(gateway store.Gateway, codec *shard.Codec, logger *slog.Logger, opts ...Option) (*Registrar, error) {
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	r := &Registrar{
		gateway:  gateway,
		codec:    codec,
		logger:   logger.With("component", "registrar"),
		notifier: notify.Noop{},
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register opens a visit: assigns a visit ID, stamps the detail record with
// its shard day, and writes the live index entry and the day-shard record in
// one atomic write. Returns the new identity.
func (r *Registrar) Register(ctx context.Context, nv NewVisit) (visit.Identity, error) {
	if nv.PatientID == "" {
		return visit.Identity{}, fmt.Errorf("%w: patient id is required", sentinel.ErrWriteRejected)
	}
	if !nv.Mode.Valid() {
		return visit.Identity{}, fmt.Errorf("%w: unknown mode %q", sentinel.ErrWriteRejected, nv.Mode)
	}
	key, err := r.codec.KeyFor(nv.Day)
	if err != nil {
		return visit.Identity{}, err
	}

	id := visit.Identity{PatientID: nv.PatientID, VisitID: r.newID()}
	fields := visit.Fields{
		"name":     nv.Name,
		"phone":    nv.Phone,
		"ward":     nv.Ward,
		"category": nv.Category,
		"day":      key.String(),
	}

	writes := map[string]any{
		visit.DayEntryPath(key.String(), id):        fields,
		visit.LiveEntryPath(nv.Mode.LivePath(), id): fields,
	}
	if err := r.gateway.WriteAtomic(ctx, writes); err != nil {
		return visit.Identity{}, err
	}

	r.logger.Info("visit registered",
		"patient_id", id.PatientID,
		"visit_id", id.VisitID,
		"mode", string(nv.Mode),
		"shard", key.String(),
	)
	if r.publisher != nil {
		r.publisher.Emit(audit.Event{
			Action:    audit.ActionRegister,
			PatientID: id.PatientID,
			VisitID:   id.VisitID,
			ShardKey:  key.String(),
		})
	}
	r.notify(ctx, notify.Notice{
		Kind:      notify.KindRegistered,
		PatientID: id.PatientID,
		VisitID:   id.VisitID,
		Day:       key.String(),
	})
	return id, nil
}

// Discharge closes a visit: it deletes the live index entry only. The day
// shard keeps the detail record, so the visit remains reachable through
// historical search.
func (r *Registrar) Discharge(ctx context.Context, id visit.Identity, mode visit.Mode) error {
	if id.IsZero() {
		return fmt.Errorf("%w: incomplete visit identity", sentinel.ErrWriteRejected)
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", sentinel.ErrWriteRejected, mode)
	}

	writes := map[string]any{
		visit.LiveEntryPath(mode.LivePath(), id): nil,
	}
	if err := r.gateway.WriteAtomic(ctx, writes); err != nil {
		return err
	}

	r.logger.Info("visit discharged",
		"patient_id", id.PatientID,
		"visit_id", id.VisitID,
		"mode", string(mode),
	)
	if r.publisher != nil {
		r.publisher.Emit(audit.Event{
			Action:    audit.ActionDischarge,
			PatientID: id.PatientID,
			VisitID:   id.VisitID,
		})
	}
	r.notify(ctx, notify.Notice{
		Kind:      notify.KindDischarged,
		PatientID: id.PatientID,
		VisitID:   id.VisitID,
	})
	return nil
}

func (r *Registrar) notify(ctx context.Context, n notify.Notice) {
	if err := r.notifier.Publish(ctx, n); err != nil {
		r.logger.Warn("notice publish failed", "kind", string(n.Kind), "error", err)
	}
}
