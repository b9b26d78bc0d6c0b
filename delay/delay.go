// Package delay positions the pump-probe delay.  A Device is either a
// mechanical stage, which lengthens the probe path, or an electronic
// generator, which delays the pump pulse within one laser period.
package delay

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// SpeedOfLight in mm/ps
const SpeedOfLight = 0.299792458

var (
	// ErrNotReady is returned by moves on a device that has not been
	// initialized.  It is a programming error, not a hardware condition.
	ErrNotReady = errors.New("delay device is not ready")

	// ErrHardwareTimeout is returned when a move or reference sequence does
	// not settle in time
	ErrHardwareTimeout = errors.New("delay device did not settle before the timeout")

	// ErrOutOfRange is returned when a time cannot be reached by the device
	ErrOutOfRange = errors.New("delay time out of range")
)

// State is the lifecycle state of a Device
type State int

const (
	// Uninitialized devices only accept Initialize and Close
	Uninitialized State = iota

	// Referenced devices know where they are but are not yet configured
	Referenced

	// Ready devices accept moves
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Referenced:
		return "referenced"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Device is anything that can delay the probe relative to the pump
type Device interface {
	// Initialize references and configures the device, leaving it Ready
	Initialize(ctx context.Context) error

	// MoveTo sets the delay to t in Units relative to time zero.  tauFlip is
	// true when the pump was wrapped into the previous laser period, which
	// swaps which shots are pumped.
	MoveTo(ctx context.Context, t float64) (tauFlip bool, err error)

	// CheckTime returns true if t can be reached
	CheckTime(t float64) (bool, error)

	// CheckTimes returns true if every time can be reached
	CheckTimes(ts []float64) (bool, error)

	// State returns the lifecycle state
	State() State

	// Units of time, "ps" or "ns"
	Units() string

	// Close releases the connection to the hardware
	Close() error
}

// TimeZeroer is implemented by devices whose time zero can be changed
// while they are in use
type TimeZeroer interface {
	T0() float64
	SetT0(t0 float64)
}

// Option configures a device
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger logs device activity to l
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkAll applies check to every time, stopping at the first failure
func checkAll(ts []float64, check func(float64) (bool, error)) (bool, error) {
	for _, t := range ts {
		ok, err := check(t)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
