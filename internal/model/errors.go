package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound covers missing deliveries and missing or non-active batches.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput covers malformed requests rejected before any mutation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCoordinate marks NaN or out-of-range latitude/longitude.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrInvalidTransition marks a status change outside the state machine edges.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrEmptyBatch marks an optimization attempt on a batch with no
	// unresolved deliveries.
	ErrEmptyBatch = errors.New("batch has no unresolved deliveries")
	// ErrForbidden marks a role or ownership mismatch.
	ErrForbidden = errors.New("forbidden")
)

// ConflictError reports deliveries that were not pending and unassigned
// when batch creation tried to claim them.
type ConflictError struct {
	DeliveryIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("deliveries not assignable: %s", strings.Join(e.DeliveryIDs, ", "))
}

// CapacityError reports a driver already at or over the delivery cap.
type CapacityError struct {
	Current  int
	Incoming int
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("driver capacity exceeded: %d active + %d incoming > limit %d",
		e.Current, e.Incoming, e.Limit)
}
