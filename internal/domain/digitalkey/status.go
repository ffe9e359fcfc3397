package digitalkey

import (
	"fmt"

	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
)

// transitions lists every legal edge. assigned -> available is the compensation path;
// revoked is reachable from anywhere and has no way out.
var transitions = map[Status][]Status{
	StatusAvailable: {StatusAssigned, StatusRevoked},
	StatusAssigned:  {StatusDelivered, StatusAvailable, StatusRevoked},
	StatusDelivered: {StatusRevoked},
	StatusRevoked:   {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusRevoked
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an error wrapping ierr.ErrInvalidTransition for illegal edges.
func CheckTransition(id fmt.Stringer, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: key %s %s -> %s", ierr.ErrInvalidTransition, id, from, to)
	}
	return nil
}
