// Package scpi provides primitives for working with devices that
// have SCPI-like ASCII interfaces
package scpi

import (
	"fmt"
	"strings"

	"github.com/pumpprobe/tacq/comm"
)

// SCPI is a type for encapsulating SCPI communication over a RemoteDevice
type SCPI struct {
	*comm.RemoteDevice

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent after every write
	// to ensure the device accepted the input
	Handshaking bool

	// ErrorQuery pops one error from the device, SYSTem:ERRor? by default
	ErrorQuery string

	// NoError is the prefix of the ErrorQuery response meaning no error,
	// +0 by default
	NoError string
}

// New returns a SCPI using the standard error queue
func New(rd *comm.RemoteDevice, handshaking bool) *SCPI {
	return &SCPI{
		RemoteDevice: rd,
		Handshaking:  handshaking,
		ErrorQuery:   "SYSTem:ERRor?",
		NoError:      "+0"}
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	s.Lock()
	defer s.Unlock()
	err := s.OpenSend([]byte(strings.Join(cmds, " ")))
	if err != nil {
		return err
	}
	if s.Handshaking {
		return s.popError()
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	s.Lock()
	defer s.Unlock()
	return s.OpenSendRecv([]byte(strings.Join(cmds, " ")))
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return strings.TrimSpace(string(resp)), err
}

// popError assumes the lock is held and the connection is open
func (s *SCPI) popError() error {
	resp, err := s.SendRecv([]byte(s.ErrorQuery))
	if err != nil {
		return err
	}
	str := strings.TrimSpace(string(resp))
	if strings.HasPrefix(str, s.NoError) {
		return nil
	}
	return fmt.Errorf("device error: %s", str)
}
