package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrInvalidInstant: an instant/date input could not be mapped to a shard day
// - ErrStoreUnavailable: transport or connectivity failure talking to the store
// - ErrWriteRejected: the store refused a write (permission or validation)
// - ErrUnauthorized: supplied credential does not match the configured secret
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInstant   = errors.New("invalid instant")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrWriteRejected    = errors.New("write rejected")
	ErrUnauthorized     = errors.New("unauthorized")
)
