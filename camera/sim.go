package camera

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Simulator is a LineCamera producing synthetic shots.  Pumped shots carry a
// high trigger sample and a probe transmission scaled by 1+Response(pixel).
type Simulator struct {
	// Width is the full frame width
	Width int

	// FirstPixel and PixelCount are the active window
	FirstPixel int
	PixelCount int

	// TriggerPixel carries the chopper signal, outside the active window
	TriggerPixel int
	TriggerHigh  uint16
	TriggerLow   uint16

	// PumpedFirst marks shot 0 as pumped
	PumpedFirst bool

	// Level is the unpumped probe and reference count
	Level float64

	// Noise is the standard deviation of the counts
	Noise float64

	// ShotTime is how long one shot takes
	ShotTime time.Duration

	mu          sync.Mutex
	response    func(pixel int) float64
	rng         *rand.Rand
	initialized bool
}

// NewSimulator returns a 1024 pixel simulator whose trigger sits on pixel 0
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		Width:        1024,
		FirstPixel:   8,
		PixelCount:   1000,
		TriggerPixel: 0,
		TriggerHigh:  4000,
		TriggerLow:   100,
		PumpedFirst:  true,
		Level:        20000,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// SetResponse sets dT/T of the pumped shots per active pixel
func (s *Simulator) SetResponse(f func(pixel int) float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = f
}

// Initialize checks the geometry
func (s *Simulator) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FirstPixel < 0 || s.PixelCount < 1 || s.FirstPixel+s.PixelCount > s.Width {
		return errors.New("simulator window does not fit the frame")
	}
	if s.TriggerPixel < 0 || s.TriggerPixel >= s.Width {
		return errors.New("simulator trigger pixel outside of the frame")
	}
	s.initialized = true
	return nil
}

// Capture synthesizes shots frames
func (s *Simulator) Capture(shots int) (Frames, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Frames{}, errors.New("simulator not initialized")
	}
	if shots < 1 {
		return Frames{}, errors.New("shot count must be positive")
	}
	if s.ShotTime > 0 {
		time.Sleep(time.Duration(shots) * s.ShotTime)
	}
	f := Frames{
		Probe:      make([][]uint16, shots),
		Reference:  make([][]uint16, shots),
		FirstPixel: s.FirstPixel,
		PixelCount: s.PixelCount,
	}
	for i := 0; i < shots; i++ {
		pumped := (i%2 == 0) == s.PumpedFirst
		p := make([]uint16, s.Width)
		r := make([]uint16, s.Width)
		for j := s.FirstPixel; j < s.FirstPixel+s.PixelCount; j++ {
			gain := 1.0
			if pumped && s.response != nil {
				gain += s.response(j - s.FirstPixel)
			}
			p[j] = s.counts(s.Level * gain)
			r[j] = s.counts(s.Level)
		}
		if pumped {
			p[s.TriggerPixel] = s.TriggerHigh
		} else {
			p[s.TriggerPixel] = s.TriggerLow
		}
		f.Probe[i] = p
		f.Reference[i] = r
	}
	return f, nil
}

// counts adds noise and saturates to the 16 bit range
func (s *Simulator) counts(v float64) uint16 {
	if s.Noise > 0 {
		v += s.rng.NormFloat64() * s.Noise
	}
	return uint16(math.Max(0, math.Min(math.Round(v), math.MaxUint16)))
}

// Finalize marks the simulator uninitialized
func (s *Simulator) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	return nil
}
