package acquire

import (
	"errors"
	"fmt"

	"github.com/pumpprobe/tacq/delay"
)

var (
	// ErrOutOfRange is returned when a requested time cannot be reached by
	// the delay device.  Nothing has moved or been captured.
	ErrOutOfRange = fmt.Errorf("time points outside of the delay range: %w", delay.ErrOutOfRange)

	// ErrTooManyRetakes aborts a run whose quality gate tripped more than
	// MaxRetakes times in a row at one time point
	ErrTooManyRetakes = errors.New("too many consecutive retakes")

	// ErrBusy is returned when a run or diagnostics is already active
	ErrBusy = errors.New("an acquisition is already running")

	// ErrNotDiagnosing is returned by manual delay commands during a run
	ErrNotDiagnosing = errors.New("manual delay control is only available when idle or in diagnostics")

	// ErrNoTimeZero is returned when the delay device has a fixed time zero
	ErrNoTimeZero = errors.New("delay device does not support changing time zero")

	// ErrGeometry is returned when a capture does not match the configured
	// pixel count
	ErrGeometry = errors.New("capture does not match the configured pixel count")
)
