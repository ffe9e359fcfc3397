package fulfillment

import "fmt"

// Error is the outcome of a failed Fulfill call. Err matches ierr.ErrFulfillmentFailed
// when the failure is final, ierr.ErrNotification when delivery failed and the keys are
// kept for a retry, or the underlying infrastructure error otherwise.
type Error struct {
	OrderID     string
	Step        string
	Compensated bool
	Err         error
}

func (e *Error) Error() string {
	state := "keys retained"
	if e.Compensated {
		state = "keys released"
	}
	return fmt.Sprintf("fulfillment of order %s failed at %s (%s): %v", e.OrderID, e.Step, state, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
