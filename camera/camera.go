/*Package camera drives the linear array detector that records the probe and
reference spectra of every laser shot.

A LineCamera is a blocking driver.  Worker owns one and serves capture
requests on its own goroutine so the acquisition loop never blocks on the
detector.
*/
package camera

import "errors"

var (
	// ErrBusy is returned by Worker.Request while a capture is in flight
	ErrBusy = errors.New("a capture is already in progress")

	// ErrStopped is returned by Worker.Request once the worker has stopped
	ErrStopped = errors.New("capture worker is stopped")
)

// LineCamera is a dual line detector, one line for the probe and one for
// the reference
type LineCamera interface {
	// Initialize opens the driver and allocates its buffers
	Initialize() error

	// Capture records shots consecutive laser shots and blocks until done
	Capture(shots int) (Frames, error)

	// Finalize releases the driver
	Finalize() error
}

// Frames is the result of one capture.  Probe and Reference hold one full
// width frame per shot; [FirstPixel, FirstPixel+PixelCount) is the active
// window, pixels outside of it carry side channels such as the chopper
// trigger.
type Frames struct {
	Probe      [][]uint16
	Reference  [][]uint16
	FirstPixel int
	PixelCount int
}

// Shots is the number of shots in the capture
func (f Frames) Shots() int {
	return len(f.Probe)
}
