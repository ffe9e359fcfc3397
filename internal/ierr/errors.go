package ierr

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrUpdateFailed   = errors.New("resource update failed")
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource conflict")
	ErrInternalServer = errors.New("internal server error")

	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrTokenInvalidClaims = errors.New("token contains invalid claims type")
	ErrAPIKeyNotFound     = errors.New("api key not found or disabled")

	// Key lifecycle.
	ErrAlreadyClaimed    = errors.New("key already claimed")
	ErrInvalidTransition = errors.New("invalid key status transition")
	ErrDuplicateKeyCode  = errors.New("key code already imported")

	// Fulfillment.
	ErrProvider           = errors.New("provider error")
	ErrProvidersExhausted = errors.New("all providers in fallback chain failed")
	ErrFulfillmentFailed  = errors.New("fulfillment failed")
	ErrNotification       = errors.New("notification failed")
	ErrOrderLocked        = errors.New("order fulfillment already in progress")
)
