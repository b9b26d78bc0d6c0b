package srs

import (
	"errors"
	"sync"
)

// ErrMockNotInitialized is returned by the mock when SetDelay precedes Initialize
var ErrMockNotInitialized = errors.New("mock delay generator not initialized")

// Mock is an in-memory DG645 that records what it was told
type Mock struct {
	sync.Mutex
	initialized bool
	delays      map[int]float64
	refs        map[int]int
	writes      int
}

// NewMock returns a mock delay generator
func NewMock() *Mock {
	return &Mock{delays: make(map[int]float64), refs: make(map[int]int)}
}

// Initialize marks the mock ready
func (m *Mock) Initialize() error {
	m.Lock()
	defer m.Unlock()
	m.initialized = true
	m.writes += len(InitCommands)
	return nil
}

// SetDelay stores the delay of a channel
func (m *Mock) SetDelay(channel, reference int, seconds float64) error {
	m.Lock()
	defer m.Unlock()
	if !m.initialized {
		return ErrMockNotInitialized
	}
	m.delays[channel] = seconds
	m.refs[channel] = reference
	m.writes++
	return nil
}

// GetDelay returns the stored reference and delay of a channel
func (m *Mock) GetDelay(channel int) (int, float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.refs[channel], m.delays[channel], nil
}

// Writes is the number of commands the mock has accepted
func (m *Mock) Writes() int {
	m.Lock()
	defer m.Unlock()
	return m.writes
}

// Close is a no-op
func (m *Mock) Close() error {
	return nil
}
