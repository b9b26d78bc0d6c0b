// Package reduce turns a batch of alternating pump-on/pump-off detector shots
// into a transient absorption (dT/T) spectrum with its error estimates.
//
// The reduction is a fixed sequence of steps on a Reducer:
//
//	SeparateOnOff -> [ApplyLinearCorrection] -> [SubtractBackground] ->
//	[ManipulateReference] -> AverageShots -> [CorrectProbeWithReference] ->
//	ComputeDtt -> ComputeError
//
// Reduce runs the whole sequence from an Options value; the bracketed steps
// run only when the matching option is set.
package reduce

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmptyBatch is returned when a batch holds no shots
	ErrEmptyBatch = errors.New("shot batch is empty")

	// ErrOddShots is returned when a batch has an odd number of shots,
	// which cannot be paired into on/off
	ErrOddShots = errors.New("shot count must be even")

	// ErrWindow is returned when the pixel window does not fit the frames
	ErrWindow = errors.New("pixel window outside of frame")
)

// ShotBatch is one capture: the probe and reference frames cropped to the
// active pixel window, plus the raw probe frames which carry the chopper
// trigger outside of that window.
type ShotBatch struct {
	// Probe is shots x PixelCount
	Probe *mat.Dense

	// Reference is shots x PixelCount
	Reference *mat.Dense

	// Untrimmed is shots x full frame width, the raw probe
	Untrimmed *mat.Dense

	FirstPixel int
	PixelCount int
}

// NewShotBatch builds a batch from per-shot probe and reference frames as
// delivered by the detector.  All frames must have the same width and the
// window [firstPixel, firstPixel+pixelCount) must fit inside it.
func NewShotBatch(probe, reference [][]uint16, firstPixel, pixelCount int) (*ShotBatch, error) {
	shots := len(probe)
	if shots == 0 {
		return nil, ErrEmptyBatch
	}
	if shots%2 != 0 {
		return nil, fmt.Errorf("%w, got %d", ErrOddShots, shots)
	}
	if len(reference) != shots {
		return nil, fmt.Errorf("probe has %d shots but reference has %d", shots, len(reference))
	}
	width := len(probe[0])
	if firstPixel < 0 || pixelCount < 1 || firstPixel+pixelCount > width {
		return nil, fmt.Errorf("%w: [%d, %d) with width %d", ErrWindow, firstPixel, firstPixel+pixelCount, width)
	}
	b := &ShotBatch{
		Probe:      mat.NewDense(shots, pixelCount, nil),
		Reference:  mat.NewDense(shots, pixelCount, nil),
		Untrimmed:  mat.NewDense(shots, width, nil),
		FirstPixel: firstPixel,
		PixelCount: pixelCount,
	}
	for i := 0; i < shots; i++ {
		if len(probe[i]) != width || len(reference[i]) != width {
			return nil, fmt.Errorf("shot %d has a ragged frame", i)
		}
		raw := b.Untrimmed.RawRowView(i)
		for j, v := range probe[i] {
			raw[j] = float64(v)
		}
		p := b.Probe.RawRowView(i)
		r := b.Reference.RawRowView(i)
		for j := 0; j < pixelCount; j++ {
			p[j] = float64(probe[i][firstPixel+j])
			r[j] = float64(reference[i][firstPixel+j])
		}
	}
	return b, nil
}

// Shots returns the number of shots in the batch
func (b *ShotBatch) Shots() int {
	r, _ := b.Probe.Dims()
	return r
}

// Width returns the untrimmed frame width
func (b *ShotBatch) Width() int {
	_, c := b.Untrimmed.Dims()
	return c
}

// Trigger samples the untrimmed probe at pixel for every shot
func (b *ShotBatch) Trigger(pixel int) ([]float64, error) {
	if pixel < 0 || pixel >= b.Width() {
		return nil, fmt.Errorf("trigger pixel %d outside of frame width %d", pixel, b.Width())
	}
	return mat.Col(nil, pixel, b.Untrimmed), nil
}
