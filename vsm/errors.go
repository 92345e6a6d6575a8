package vsm

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a segment after Close.
var ErrClosed = errors.New("vsm: segment closed")

// OpenError reports an attach failure. Msg carries the error text recorded
// on the segment when the attach failed.
type OpenError struct {
	Location Location
	Msg      string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("vsm: open %s: %s", e.Location, e.Msg)
}

// IntegrityError reports segment data that violates the expected layout.
// The affected entry or record cannot be used and no attempt is made to
// resynchronize past it.
type IntegrityError struct {
	Where  string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("vsm: integrity violation in %s: %s", e.Where, e.Detail)
}

// Integrity builds an *IntegrityError.
func Integrity(where, format string, args ...interface{}) error {
	return &IntegrityError{Where: where, Detail: fmt.Sprintf(format, args...)}
}

// IsIntegrity reports whether err is or wraps an *IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
