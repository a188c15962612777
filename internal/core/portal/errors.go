package portal

import (
	"errors"
	"fmt"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

// Error is returned for every failed exchange with the portal. It carries
// the identifier being processed and the URL that was attempted.
type Error struct {
	Identifier string
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("portal request for %s to %s timed out: %v", e.Identifier, e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("portal returned status %d for %s at %s", e.StatusCode, e.Identifier, e.URL)
	default:
		return fmt.Sprintf("portal request for %s to %s failed: %v", e.Identifier, e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a portal error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
