// Package sweep accumulates dT/T spectra over repeated sweeps of the delay
// time list and persists each sweep to disk.
package sweep

import (
	"fmt"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Output describes where and how a run is persisted
type Output struct {
	// Dir is the run folder, see RunDir
	Dir string

	// Name prefixes every file of the run
	Name string

	// FITS enables the per-sweep FITS archive
	FITS bool

	// Plots enables the per-sweep PNG
	Plots bool

	// KineticPixel is the pixel whose kinetic trace is plotted
	KineticPixel int
}

// Entry is one metadata item.  Card is the FITS keyword used for the item;
// items with an empty Card are only written to the text metadata.
type Entry struct {
	Key   string
	Card  string
	Value interface{}
}

// Metadata is an ordered list of acquisition parameters
type Metadata []Entry

// Accumulator holds the current sweep and the running average over sweeps
// for a fixed time list and pixel count.  It is not safe for concurrent use.
type Accumulator struct {
	// Times is the delay time list, one row per time
	Times []float64

	// NumSweeps is the number of sweeps in the run
	NumSweeps int

	// SweepIndex is the 0-based index of the sweep being filled
	SweepIndex int

	out      Output
	metadata Metadata
	pixels   int
	current  *mat.Dense
	avg      *mat.Dense
}

// NewAccumulator returns an accumulator at sweep 0 with zeroed matrices
func NewAccumulator(times []float64, pixels, numSweeps int, out Output, md Metadata) *Accumulator {
	t := make([]float64, len(times))
	copy(t, times)
	return &Accumulator{
		Times:     t,
		NumSweeps: numSweeps,
		out:       out,
		metadata:  md,
		pixels:    pixels,
		current:   mat.NewDense(len(times), pixels, nil),
		avg:       mat.NewDense(len(times), pixels, nil),
	}
}

// AddCurrentData stores dtt as row timeIndex of the current sweep and folds
// it into the running average
func (a *Accumulator) AddCurrentData(dtt []float64, timeIndex int) error {
	if timeIndex < 0 || timeIndex >= len(a.Times) {
		return fmt.Errorf("time index %d outside of [0, %d)", timeIndex, len(a.Times))
	}
	if len(dtt) != a.pixels {
		return fmt.Errorf("spectrum has %d pixels, accumulator has %d", len(dtt), a.pixels)
	}
	a.current.SetRow(timeIndex, dtt)
	row := a.avg.RawRowView(timeIndex)
	n := float64(a.SweepIndex + 1)
	for j, v := range dtt {
		row[j] += (v - row[j]) / n
	}
	return nil
}

// NextSweep advances the sweep index and returns true once all sweeps are done
func (a *Accumulator) NextSweep() bool {
	a.SweepIndex++
	return a.Done()
}

// Done is true once SweepIndex has reached NumSweeps
func (a *Accumulator) Done() bool {
	return a.SweepIndex >= a.NumSweeps
}

// Current returns a copy of the current sweep matrix (times x pixels)
func (a *Accumulator) Current() *mat.Dense {
	return mat.DenseCopyOf(a.current)
}

// Average returns a copy of the running average matrix (times x pixels)
func (a *Accumulator) Average() *mat.Dense {
	return mat.DenseCopyOf(a.avg)
}

// RunDir returns root/yyyy-mm-dd/name for the date of now
func RunDir(root, name string, now time.Time) string {
	y, m, d := now.Date()
	return filepath.Join(root, fmt.Sprintf("%04d-%02d-%02d", y, m, d), name)
}

func (a *Accumulator) path(suffix string) string {
	return filepath.Join(a.out.Dir, fmt.Sprintf("%s_%s", a.out.Name, suffix))
}

// sweepLabel is 1-based, matching what the operator sees
func (a *Accumulator) sweepLabel() int {
	return a.SweepIndex + 1
}
