package vslq

import (
	"errors"

	"github.com/jnesss/vsm-recorder/vsl"
)

// Status is the outcome of a dispatch pass. Negative values are terminal.
type Status int

const (
	Stopped   Status = 2
	Progress  Status = 1
	NoData    Status = 0
	Closed    Status = -1
	Abandoned Status = -2
	Overrun   Status = -3
	Failed    Status = -4
)

// Terminal reports whether polling must end.
func (s Status) Terminal() bool { return s < 0 }

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Progress:
		return "progress"
	case NoData:
		return "no data"
	case Closed:
		return "closed"
	case Abandoned:
		return "abandoned"
	case Overrun:
		return "overrun"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// classify maps a source error to a terminal status. Only Failed carries
// the error on; the others are ordinary ends of the log.
func classify(err error) (Status, error) {
	switch {
	case errors.Is(err, vsl.ErrAbandoned):
		return Abandoned, nil
	case errors.Is(err, vsl.ErrOverrun):
		return Overrun, nil
	case errors.Is(err, vsl.ErrCursorClosed):
		return Closed, nil
	default:
		return Failed, err
	}
}
