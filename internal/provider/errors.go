package provider

import (
	"errors"
	"fmt"

	"github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
)

type Kind string

const (
	KindAuth              Kind = "auth"
	KindOutOfStock        Kind = "out_of_stock"
	KindNetwork           Kind = "network"
	KindMalformedResponse Kind = "malformed_response"
	KindRateLimited       Kind = "rate_limited"
)

// Error is the only error shape an Adapter returns. It matches ierr.ErrProvider.
type Error struct {
	Provider digitalkey.Provider
	Kind     Kind
	Op       string
	Err      error
}

func NewError(p digitalkey.Provider, kind Kind, op string, err error) *Error {
	return &Error{Provider: p, Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ierr.ErrProvider}
	}
	return []error{ierr.ErrProvider, e.Err}
}

// KindOf reports the kind of the first *Error in err's tree, or "" if there is none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
