package pi

import (
	"sync"
)

// MockController is an in-memory single controller for tests and dry runs.
// Moves land instantly but report on target only after SettleQueries ONT?
// queries.  Set the exported fields before sharing the mock between
// goroutines.
type MockController struct {
	sync.Mutex

	// Min and Max are the travel limits of every axis
	Min, Max float64

	// SettleQueries is how many ONT? queries report false after a move
	SettleQueries int

	// QueryFailures is how many upcoming ONT? queries fail with a
	// communication error
	QueryFailures int

	servo      map[string]bool
	referenced map[string]bool
	pos        map[string]float64
	target     map[string]float64
	vel        map[string]float64
	settle     map[string]int
	moves      int
}

// NewMockController returns a mock with the given travel limits
func NewMockController(min, max float64) *MockController {
	return &MockController{
		Min:        min,
		Max:        max,
		servo:      make(map[string]bool),
		referenced: make(map[string]bool),
		pos:        make(map[string]float64),
		target:     make(map[string]float64),
		vel:        make(map[string]float64),
		settle:     make(map[string]int),
	}
}

func (c *MockController) startMove(axis string, pos float64) {
	c.target[axis] = pos
	c.settle[axis] = c.SettleQueries
	c.moves++
}

// MoveAbs moves an axis, failing like the hardware on an unreferenced axis
// or a target outside of the travel range
func (c *MockController) MoveAbs(axis string, pos float64) error {
	c.Lock()
	defer c.Unlock()
	if !c.servo[axis] || !c.referenced[axis] {
		return GCS2Err(5)
	}
	if pos < c.Min || pos > c.Max {
		return GCS2Err(7)
	}
	c.startMove(axis, pos)
	return nil
}

// GetPos returns the last settled position
func (c *MockController) GetPos(axis string) (float64, error) {
	c.Lock()
	defer c.Unlock()
	return c.pos[axis], nil
}

// GetOnTarget reports whether the last move has settled
func (c *MockController) GetOnTarget(axis string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	if c.QueryFailures > 0 {
		c.QueryFailures--
		return false, GCS2Err(52)
	}
	if c.settle[axis] > 0 {
		c.settle[axis]--
		return false, nil
	}
	c.pos[axis] = c.target[axis]
	return true, nil
}

// SetServo switches the servo of an axis
func (c *MockController) SetServo(axis string, on bool) error {
	c.Lock()
	defer c.Unlock()
	c.servo[axis] = on
	return nil
}

// Reference references an axis, which moves it to 0
func (c *MockController) Reference(axis string, fast bool) error {
	c.Lock()
	defer c.Unlock()
	if !c.servo[axis] {
		return GCS2Err(5)
	}
	c.referenced[axis] = true
	c.startMove(axis, 0)
	return nil
}

// GetReferenced returns true if the axis has been referenced
func (c *MockController) GetReferenced(axis string) (bool, error) {
	c.Lock()
	defer c.Unlock()
	return c.referenced[axis], nil
}

// Home moves a referenced axis to 0
func (c *MockController) Home(axis string) error {
	c.Lock()
	defer c.Unlock()
	if !c.referenced[axis] {
		return GCS2Err(5)
	}
	c.startMove(axis, 0)
	return nil
}

// SetVelocity sets the velocity of an axis
func (c *MockController) SetVelocity(axis string, v float64) error {
	c.Lock()
	defer c.Unlock()
	if c.settle[axis] > 0 {
		return GCS2Err(53)
	}
	if v <= 0 {
		return GCS2Err(8)
	}
	c.vel[axis] = v
	return nil
}

// GetVelocity returns the velocity of an axis
func (c *MockController) GetVelocity(axis string) (float64, error) {
	c.Lock()
	defer c.Unlock()
	return c.vel[axis], nil
}

// GetTravelLimits returns Min and Max
func (c *MockController) GetTravelLimits(axis string) (float64, float64, error) {
	c.Lock()
	defer c.Unlock()
	return c.Min, c.Max, nil
}

// Moves returns the number of moves started, including references and homes
func (c *MockController) Moves() int {
	c.Lock()
	defer c.Unlock()
	return c.moves
}

// Close is a no-op
func (c *MockController) Close() error {
	return nil
}
