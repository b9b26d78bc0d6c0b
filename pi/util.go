package pi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

var (
	// ErrMap maps PI Error codes to the friendly strings.  Only the codes a
	// delay stage can raise are listed.
	ErrMap = map[int]string{
		0:   "No Error",
		1:   "Parameter syntax error",
		2:   "Unknown command",
		3:   "Command length out of limits or command buffer overrun",
		5:   "Unallowable move attempted on unreferenced axis, or move attempted with servo off",
		7:   "Position out of limits",
		8:   "Velocity out of limits",
		10:  "Controller was stopped by command",
		15:  "Invalid axis identifier",
		17:  "Parameter out of range",
		23:  "Illegal axis",
		24:  "Incorrect number of parameters",
		25:  "Invalid floating point number",
		26:  "Parameter missing",
		31:  "Axis has no reference sensor",
		32:  "Axis has no limit switch",
		45:  "Referencing failed",
		49:  "Move to limit switch failed",
		50:  "Attempt to reference axis with referencing disabled",
		52:  "Controller detected communication error",
		53:  "MOV! motion still in progress",
		63:  "Initialization still in progress",
		200: "No stage connected to axis",
		215: "The connection between controller and stage may be broken",
		216: "The connected stage has driven into a limit switch, call CLR to resume operation",
		307: "Timeout while recieving command",
		308: "A lengthy operation has not finished in the expected time",
		333: "Internal hardware error",
		603: "hardware temperature out of range",
	}
)

// GCS2Status encapsulates a status (error) code from a PI controller
// and its logic
type GCS2Status struct {
	Code int
}

// GCS2Err converts an error code to something that implements the error interface
func GCS2Err(code int) error {
	if code == 0 {
		return nil
	}
	return GCS2Status{code}
}

func (e GCS2Status) Error() string {
	if s, ok := ErrMap[e.Code]; ok {
		return fmt.Sprintf("%d - %s", e.Code, s)
	}
	return fmt.Sprintf("%d - UNKNOWN ERROR CODE", e.Code)
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:     addr,
		Baud:     115200,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1}
}

// parseAxisValue splits a GCS "axis=value" reply, e.g. "1=+0080.4106",
// checking the axis matches
func parseAxisValue(axis, resp string) (string, error) {
	resp = strings.TrimSpace(resp)
	if len(resp) == 0 {
		return "", fmt.Errorf("the response from the controller was blank, is the axis label %q correct", axis)
	}
	parts := strings.SplitN(resp, "=", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed response %q", resp)
	}
	if strings.TrimSpace(parts[0]) != axis {
		return "", fmt.Errorf("response %q is for a different axis than %q", resp, axis)
	}
	return strings.TrimSpace(parts[1]), nil
}

func parseAxisFloat(axis, resp string) (float64, error) {
	s, err := parseAxisValue(axis, resp)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

func parseAxisBool(axis, resp string) (bool, error) {
	s, err := parseAxisValue(axis, resp)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(s)
}

// defaultTimeout bounds a single query, not a move; moves are polled
const defaultTimeout = 5 * time.Second
