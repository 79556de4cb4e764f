// Package cancel performs multi-key visit cancellations: one credential check,
// then a single atomic multi-path delete spanning the live indexes, the
// day-shard detail record, and the billing record when present. All paths
// disappear together or none do.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"opdesk/internal/audit"
	"opdesk/internal/notify"
	"opdesk/internal/shard"
	"opdesk/internal/store"
	"opdesk/internal/visit"
	"opdesk/pkg/platform/sentinel"
)

// Request identifies the visit to cancel. Day locates the shard holding the
// detail and billing records.
type Request struct {
	Identity visit.Identity
	Day      time.Time
}

// Coordinator validates the cancellation credential and issues the atomic
// delete. It never mutates live in-memory state: the UI converges through the
// store's removed event.
type Coordinator struct {
	gateway    store.Gateway
	codec      *shard.Codec
	secretHash []byte
	logger     *slog.Logger

	publisher *audit.Publisher
	notifier  notify.Notifier
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAuditPublisher records cancellations on the audit trail.
func WithAuditPublisher(p *audit.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithNotifier sends fire-and-forget cancellation notices.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// New builds a coordinator. secretHash is the bcrypt hash of the shared
// front-desk cancellation secret.
func New(gateway store.Gateway, codec *shard.Codec, secretHash string, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if secretHash == "" {
		return nil, errors.New("cancellation secret hash is required")
	}
	c := &Coordinator{
		gateway:    gateway,
		codec:      codec,
		secretHash: []byte(secretHash),
		logger:     logger.With("component", "cancel"),
		notifier:   notify.Noop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Cancel deletes every path belonging to the visit as one atomic write.
//
// The credential is checked before anything else and the error shape does not
// depend on whether the visit exists, so a caller cannot probe record state
// through failed attempts. On store failure nothing is deleted; the caller
// must retry, never clean up partially.
func (c *Coordinator) Cancel(ctx context.Context, req Request, credential string) error {
	if err := bcrypt.CompareHashAndPassword(c.secretHash, []byte(credential)); err != nil {
		return sentinel.ErrUnauthorized
	}

	if req.Identity.IsZero() {
		return fmt.Errorf("%w: incomplete visit identity", sentinel.ErrWriteRejected)
	}
	key, err := c.codec.KeyFor(req.Day)
	if err != nil {
		return err
	}

	writes := map[string]any{
		visit.DayEntryPath(key.String(), req.Identity): nil,
	}
	for _, indexPath := range visit.LivePaths() {
		writes[visit.LiveEntryPath(indexPath, req.Identity)] = nil
	}

	// Billing is dependent data: include it only when it exists, per the
	// dependent-path contract.
	billingDoc, err := c.gateway.ReadSubtree(ctx, visit.BillingDayPath(key.String()))
	if err != nil {
		return err
	}
	if _, ok := billingDoc.Children[req.Identity.ChildKey()]; ok {
		writes[visit.BillingEntryPath(key.String(), req.Identity)] = nil
	}

	if err := c.gateway.WriteAtomic(ctx, writes); err != nil {
		return err
	}

	c.logger.Info("visit cancelled",
		"patient_id", req.Identity.PatientID,
		"visit_id", req.Identity.VisitID,
		"shard", key.String(),
	)
	if c.publisher != nil {
		c.publisher.Emit(audit.Event{
			Action:    audit.ActionCancel,
			PatientID: req.Identity.PatientID,
			VisitID:   req.Identity.VisitID,
			ShardKey:  key.String(),
		})
	}
	c.notify(ctx, notify.Notice{
		Kind:      notify.KindCancelled,
		PatientID: req.Identity.PatientID,
		VisitID:   req.Identity.VisitID,
		Day:       key.String(),
	})
	return nil
}

// notify is fire and forget: delivery failures are logged, never propagated.
func (c *Coordinator) notify(ctx context.Context, n notify.Notice) {
	if err := c.notifier.Publish(ctx, n); err != nil {
		c.logger.Warn("notice publish failed", "kind", string(n.Kind), "error", err)
	}
}
