package scheduling

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, client-visible category of a scheduling failure.
type Kind string

const (
	KindInvalidTransition      Kind = "INVALID_TRANSITION"
	KindDuplicateActiveBooking Kind = "DUPLICATE_ACTIVE_BOOKING"
	KindCapacityExceeded       Kind = "CAPACITY_EXCEEDED"
	KindPermissionDenied       Kind = "PERMISSION_DENIED"
	KindSlotBlocked            Kind = "SLOT_BLOCKED"
	KindOfferNotFound          Kind = "OFFER_NOT_FOUND"
	KindOfferExpired           Kind = "OFFER_EXPIRED"
	KindOfferAlreadyResolved   Kind = "OFFER_ALREADY_RESOLVED"
	KindSlotNoLongerAvailable  Kind = "SLOT_NO_LONGER_AVAILABLE"
	KindValidation             Kind = "VALIDATION_ERROR"
	KindNotFound               Kind = "NOT_FOUND"
)

// MessageKey is the localization key clients render for the kind.
func (k Kind) MessageKey() string {
	switch k {
	case KindInvalidTransition:
		return "error.invalid_transition"
	case KindDuplicateActiveBooking:
		return "error.duplicate_active_booking"
	case KindCapacityExceeded:
		return "error.capacity_exceeded"
	case KindPermissionDenied:
		return "error.permission_denied"
	case KindSlotBlocked:
		return "error.slot_blocked"
	case KindOfferNotFound:
		return "error.offer_not_found"
	case KindOfferExpired:
		return "error.offer_expired"
	case KindOfferAlreadyResolved:
		return "error.offer_already_resolved"
	case KindSlotNoLongerAvailable:
		return "error.slot_no_longer_available"
	case KindValidation:
		return "error.validation"
	case KindNotFound:
		return "error.not_found"
	}
	return "error.internal"
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidTransition, KindDuplicateActiveBooking, KindCapacityExceeded,
		KindOfferAlreadyResolved, KindSlotNoLongerAvailable:
		return http.StatusConflict
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindSlotBlocked:
		return http.StatusUnprocessableEntity
	case KindOfferNotFound, KindNotFound:
		return http.StatusNotFound
	case KindOfferExpired:
		return http.StatusGone
	case KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Error carries a Kind plus a human-readable message. Two errors match under
// errors.Is when their kinds are equal.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition, Message: "transition not allowed"}
	ErrDuplicateActiveBooking = &Error{Kind: KindDuplicateActiveBooking, Message: "patient already has an active booking with this doctor"}
	ErrCapacityExceeded       = &Error{Kind: KindCapacityExceeded, Message: "not enough room left on this date"}
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied, Message: "permission denied"}
	ErrSlotBlocked            = &Error{Kind: KindSlotBlocked, Message: "the doctor is unavailable at this time"}
	ErrOfferNotFound          = &Error{Kind: KindOfferNotFound, Message: "reschedule offer not found"}
	ErrOfferExpired           = &Error{Kind: KindOfferExpired, Message: "reschedule offer has expired"}
	ErrOfferAlreadyResolved   = &Error{Kind: KindOfferAlreadyResolved, Message: "reschedule offer was already answered"}
	ErrSlotNoLongerAvailable  = &Error{Kind: KindSlotNoLongerAvailable, Message: "the selected time is no longer available"}
	ErrValidation             = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
)

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}

func notFound(what string) *Error {
	return newError(KindNotFound, "%s not found", what)
}

func denied(format string, args ...interface{}) *Error {
	return newError(KindPermissionDenied, format, args...)
}

func invalidTransition(format string, args ...interface{}) *Error {
	return newError(KindInvalidTransition, format, args...)
}

// KindOf extracts the kind of err, or "" for errors from outside the domain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
