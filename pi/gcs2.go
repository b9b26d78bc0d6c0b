// Package pi provides a Go interface to PI motion controllers speaking the
// GCS2 command language, as used by the delay stages
package pi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pumpprobe/tacq/comm"
)

// Controller maps to any PI GCS2 controller, e.g. Hydra, C-863, C-884.
// It is safe for concurrent use.
type Controller struct {
	*comm.RemoteDevice

	// Handshaking queries ERR? after every write-only command and turns a
	// nonzero code into a GCS2Status
	Handshaking bool
}

// NewController returns a fully configured new controller
func NewController(addr string, serial bool, handshaking bool) *Controller {
	terms := comm.Terminators{Rx: '\n', Tx: '\n'}
	rd := comm.NewRemoteDevice(addr, serial, &terms, makeSerConf(addr))
	rd.Timeout = defaultTimeout
	return &Controller{RemoteDevice: &rd, Handshaking: handshaking}
}

func (c *Controller) gCodeWriteOnly(msg string, more ...string) error {
	str := strings.Join(append([]string{msg}, more...), " ")
	c.Lock()
	defer c.Unlock()
	err := c.OpenSend([]byte(str))
	if err != nil {
		return err
	}
	if c.Handshaking {
		return c.popError()
	}
	return nil
}

func (c *Controller) query(cmd, axis string) (string, error) {
	str := strings.Join([]string{cmd, axis}, " ")
	c.Lock()
	defer c.Unlock()
	resp, err := c.OpenSendRecv([]byte(str))
	return string(resp), err
}

func (c *Controller) readBool(cmd, axis string) (bool, error) {
	resp, err := c.query(cmd, axis)
	if err != nil {
		return false, err
	}
	return parseAxisBool(axis, resp)
}

func (c *Controller) readFloat(cmd, axis string) (float64, error) {
	resp, err := c.query(cmd, axis)
	if err != nil {
		return 0, err
	}
	return parseAxisFloat(axis, resp)
}

// MoveAbs commands the controller to move an axis to an absolute position
func (c *Controller) MoveAbs(axis string, pos float64) error {
	posS := strconv.FormatFloat(pos, 'G', -1, 64)
	return c.gCodeWriteOnly("MOV", axis, posS)
}

// GetPos returns the current position of an axis
func (c *Controller) GetPos(axis string) (float64, error) {
	return c.readFloat("POS?", axis)
}

// GetOnTarget returns true when the axis has settled at its target
func (c *Controller) GetOnTarget(axis string) (bool, error) {
	return c.readBool("ONT?", axis)
}

// SetServo switches closed loop control of an axis on or off
func (c *Controller) SetServo(axis string, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return c.gCodeWriteOnly("SVO", axis, v)
}

// Reference starts a reference move of the axis to its reference switch.
// fast selects FRF over the older REF command.
func (c *Controller) Reference(axis string, fast bool) error {
	if fast {
		return c.gCodeWriteOnly("FRF", axis)
	}
	return c.gCodeWriteOnly("REF", axis)
}

// GetReferenced returns true if the axis has been referenced
func (c *Controller) GetReferenced(axis string) (bool, error) {
	return c.readBool("FRF?", axis)
}

// Home causes the controller to move an axis to its home position
func (c *Controller) Home(axis string) error {
	return c.gCodeWriteOnly("GOH", axis)
}

// SetVelocity sets the velocity setpoint on the axis
func (c *Controller) SetVelocity(axis string, v float64) error {
	vS := strconv.FormatFloat(v, 'G', -1, 64)
	return c.gCodeWriteOnly("VEL", axis, vS)
}

// GetVelocity gets the velocity setpoint on the axis
func (c *Controller) GetVelocity(axis string) (float64, error) {
	return c.readFloat("VEL?", axis)
}

// GetTravelLimits returns the soft travel range of the axis (TMN?, TMX?)
func (c *Controller) GetTravelLimits(axis string) (float64, float64, error) {
	lo, err := c.readFloat("TMN?", axis)
	if err != nil {
		return 0, 0, err
	}
	hi, err := c.readFloat("TMX?", axis)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// Stop halts all axes
func (c *Controller) Stop() error {
	return c.gCodeWriteOnly("STP")
}

// PopError returns the last error from the controller
func (c *Controller) PopError() error {
	c.Lock()
	defer c.Unlock()
	if err := c.Open(); err != nil {
		return err
	}
	return c.popError()
}

// popError assumes the lock is held
func (c *Controller) popError() error {
	resp, err := c.SendRecv([]byte("ERR?"))
	if err != nil {
		return err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(resp)))
	if err != nil {
		return fmt.Errorf("malformed ERR? response %q", string(resp))
	}
	return GCS2Err(code)
}

// Raw sends a command and returns the response if it was a query,
// else a blank string
func (c *Controller) Raw(s string) (string, error) {
	if strings.Contains(s, "?") {
		c.Lock()
		defer c.Unlock()
		resp, err := c.OpenSendRecv([]byte(s))
		return string(resp), err
	}
	return "", c.gCodeWriteOnly(s)
}
