// Package srs provides a Go interface to Stanford Research Systems DG645
// digital delay generators, used to delay the pump laser electronically.
package srs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/pumpprobe/tacq/comm"
	"github.com/pumpprobe/tacq/scpi"
)

// Channels of the DG645, as used by DLAY
const (
	ChanT0 = 0
	ChanT1 = 1
	ChanA  = 2
	ChanB  = 3
	ChanC  = 4
	ChanD  = 5
)

// InitCommands configures the generator for an externally triggered 1 kHz
// laser: AB drives the pump Q-switch, CD at half rate gates the detector.
var InitCommands = []string{
	"TSRC 1",        // external rising edge trigger
	"TLVL 1.0",      // trigger level
	"LOFF 1,0.0",    // AB level offset
	"LAMP 1,4.0",    // AB amplitude +4 V
	"LPOL 1,1",      // AB positive polarity
	"DLAY 3,2,1e-7", // AB pulse width 100 ns
	"DLAY 2,0,0",    // AB delay
	"ADVT 1",        // advanced triggering, needed for prescaling
	"PRES 1,2",      // AB at half the trigger rate
	"LOFF 2,0.0",    // CD level offset
	"LAMP 2,4.0",    // CD amplitude +4 V
	"LPOL 2,1",      // CD positive polarity
	"DLAY 5,4,5e-4", // CD pulse width 500 us
	"DLAY 4,0,0",    // CD delay
	"PRES 2,2",      // CD at half the trigger rate
}

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:     addr,
		Baud:     9600,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1}
}

// DG645 is a delay generator on TCP port 5025 or a serial line
type DG645 struct {
	*scpi.SCPI
}

// NewDG645 returns a DG645.  The generator does not acknowledge writes, so
// with handshaking each write is followed by LERR?
func NewDG645(addr string, serial bool, handshaking bool) *DG645 {
	terms := comm.Terminators{Rx: '\n', Tx: '\n'}
	rd := comm.NewRemoteDevice(addr, serial, &terms, makeSerConf(addr))
	rd.Timeout = 3 * time.Second
	s := scpi.New(&rd, handshaking)
	s.ErrorQuery = "LERR?"
	s.NoError = "0"
	return &DG645{SCPI: s}
}

// Initialize sends InitCommands
func (d *DG645) Initialize() error {
	for _, cmd := range InitCommands {
		if err := d.Write(cmd); err != nil {
			return fmt.Errorf("%s: %w", cmd, err)
		}
	}
	return nil
}

// SetDelay delays channel by seconds relative to reference
func (d *DG645) SetDelay(channel, reference int, seconds float64) error {
	return d.Write(fmt.Sprintf("DLAY %d,%d,%.5e", channel, reference, seconds))
}

// GetDelay returns the reference channel and delay of channel
func (d *DG645) GetDelay(channel int) (int, float64, error) {
	resp, err := d.ReadString(fmt.Sprintf("DLAY?%d", channel))
	if err != nil {
		return 0, 0, err
	}
	return parseDelay(resp)
}

// parseDelay parses "2,+0.001000000000" into (2, 0.001)
func parseDelay(resp string) (int, float64, error) {
	parts := strings.SplitN(resp, ",", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed delay response %q", resp)
	}
	ref, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	return ref, v, err
}

// Identify returns the *IDN? string
func (d *DG645) Identify() (string, error) {
	return d.ReadString("*IDN?")
}
