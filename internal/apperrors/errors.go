package apperrors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Base error types returned by stores and services
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("concurrency conflict")
	ErrAlreadyExists    = errors.New("already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidInput     = errors.New("invalid input")
)

// Kind is the category of a booking failure
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindClassCancelled      Kind = "class_cancelled"
	KindClassFull           Kind = "class_full"
	KindAlreadyBooked       Kind = "already_booked"
	KindNoValidEntitlement  Kind = "no_valid_entitlement"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindStoreUnavailable    Kind = "store_unavailable"
)

// Per-kind sentinels for errors.Is checks against booking results.
var (
	ErrClassCancelled     = &BookingError{Kind: KindClassCancelled}
	ErrClassFull          = &BookingError{Kind: KindClassFull}
	ErrAlreadyBooked      = &BookingError{Kind: KindAlreadyBooked}
	ErrNoValidEntitlement = &BookingError{Kind: KindNoValidEntitlement}
)

// BookingError is the typed failure of a booking attempt
type BookingError struct {
	Kind       Kind
	InstanceID uuid.UUID
	Err        error // Underlying error, nil for business outcomes
}

func (e *BookingError) Error() string {
	msg := string(e.Kind)
	if e.InstanceID != uuid.Nil {
		msg = fmt.Sprintf("%s (instance %s)", e.Kind, e.InstanceID)
	}
	if e.Err != nil {
		return fmt.Sprintf("book instance: %s: %v", msg, e.Err)
	}
	return "book instance: " + msg
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BookingError) Is(target error) bool {
	if target == nil {
		return false
	}

	if t, ok := target.(*BookingError); ok {
		return t.Kind == e.Kind
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConcurrencyConflict
	case ErrStoreUnavailable:
		return e.Kind == KindStoreUnavailable
	}

	return false
}

// Retryable reports whether the caller may repeat the same request
func (e *BookingError) Retryable() bool {
	switch e.Kind {
	case KindConcurrencyConflict, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// IsBusinessOutcome reports whether the failure is an expected result of
// booking rules rather than an infrastructure fault.
func (e *BookingError) IsBusinessOutcome() bool {
	switch e.Kind {
	case KindNotFound, KindClassCancelled, KindClassFull, KindAlreadyBooked, KindNoValidEntitlement:
		return true
	default:
		return false
	}
}

// NewBookingError creates a new BookingError
func NewBookingError(kind Kind, instanceID uuid.UUID, err error) *BookingError {
	return &BookingError{Kind: kind, InstanceID: instanceID, Err: err}
}

// KindOf extracts the booking kind from err. Store-level sentinels are mapped
// to their booking kinds, anything else is treated as a store failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var be *BookingError
	if errors.As(err, &be) {
		return be.Kind
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConcurrencyConflict
	default:
		return KindStoreUnavailable
	}
}

// IsRetryable checks whether err is a transient failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var be *BookingError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}
