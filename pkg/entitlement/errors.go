package entitlement

import "errors"

var (
	ErrNotFound              = errors.New("entitlement not found")
	ErrAlreadyExists         = errors.New("entitlement already exists")
	ErrInvalidStatus         = errors.New("invalid entitlement status")
	ErrNegativeUsage         = errors.New("usage counter cannot be negative")
	ErrCancelledWithRenewal  = errors.New("cancelled entitlement cannot have auto renewal enabled")
	ErrFreeTierBillingFields = errors.New("free tier cannot carry recurring billing fields")

	// ErrStaleEntitlement is returned when the compare-and-set guard does
	// not match: the record changed between read and write. Callers retry
	// against the fresh record.
	ErrStaleEntitlement = errors.New("entitlement changed concurrently")

	// ErrTransitionNotAllowed wraps state machine rejections; the
	// triggering event is not valid from the record's current status.
	ErrTransitionNotAllowed = errors.New("entitlement transition not allowed from current status")
)
