// Package upstream carries the error shape shared by provider clients.
package upstream

import "fmt"

// Error marks an upstream fetch failure; the HTTP layer maps it to 502.
// Status is zero for transport-level failures where no response arrived.
type Error struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s returned status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
