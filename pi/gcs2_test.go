package pi

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
)

// fakeGCS is a single-axis GCS2 controller on a loopback socket
type fakeGCS struct {
	mu   sync.Mutex
	pos  string
	err  string
	seen []string
}

func (f *fakeGCS) reply(line string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, line)
	fields := strings.Fields(line)
	switch fields[0] {
	case "POS?":
		return "1=" + f.pos
	case "ONT?":
		return "1=1"
	case "TMN?":
		return "1=-5.0000"
	case "TMX?":
		return "1=305.0000"
	case "ERR?":
		e := f.err
		f.err = "0"
		return e
	case "MOV":
		if len(fields) == 3 {
			f.pos = fields[2]
		}
	}
	return ""
}

func serveGCS(t *testing.T, f *fakeGCS) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					if resp := f.reply(sc.Text()); resp != "" {
						c.Write([]byte(resp + "\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestControllerMoveAndQuery(t *testing.T) {
	f := &fakeGCS{pos: "+0000.0000", err: "0"}
	c := NewController(serveGCS(t, f), false, true)
	defer c.Close()

	if err := c.MoveAbs("1", 12.5); err != nil {
		t.Fatal(err)
	}
	pos, err := c.GetPos("1")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 12.5 {
		t.Errorf("expected 12.5, got %g", pos)
	}
	on, err := c.GetOnTarget("1")
	if err != nil || !on {
		t.Errorf("expected on target, got %v, %v", on, err)
	}
	lo, hi, err := c.GetTravelLimits("1")
	if err != nil {
		t.Fatal(err)
	}
	if lo != -5 || hi != 305 {
		t.Errorf("expected limits [-5, 305], got [%g, %g]", lo, hi)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[0] != "MOV 1 12.5" || f.seen[1] != "ERR?" {
		t.Errorf("unexpected command sequence %q", f.seen)
	}
}

func TestHandshakeSurfacesControllerError(t *testing.T) {
	f := &fakeGCS{pos: "+0000.0000", err: "5"}
	c := NewController(serveGCS(t, f), false, true)
	defer c.Close()
	err := c.MoveAbs("1", 1)
	var st GCS2Status
	if !errors.As(err, &st) || st.Code != 5 {
		t.Fatalf("expected GCS2 error 5, got %v", err)
	}
}

func TestParseAxisValue(t *testing.T) {
	if _, err := parseAxisFloat("A", "1=+0080.4106"); err == nil {
		t.Error("expected an error for a reply from another axis")
	}
	if _, err := parseAxisFloat("1", ""); err == nil {
		t.Error("expected an error for a blank reply")
	}
	v, err := parseAxisFloat("1", "1=+0080.4106\n")
	if err != nil || v != 80.4106 {
		t.Errorf("expected 80.4106, got %g, %v", v, err)
	}
	b, err := parseAxisBool("A", "A=0")
	if err != nil || b {
		t.Errorf("expected false, got %v, %v", b, err)
	}
}

func TestGCS2ErrZeroIsNil(t *testing.T) {
	if GCS2Err(0) != nil {
		t.Error("code 0 should not be an error")
	}
	if s := GCS2Err(9999).Error(); !strings.Contains(s, "UNKNOWN") {
		t.Errorf("unexpected message %q", s)
	}
}

func TestMockRefusesUnreferencedMove(t *testing.T) {
	m := NewMockController(0, 100)
	m.SetServo("1", true)
	if err := m.MoveAbs("1", 10); !errors.Is(err, GCS2Err(5)) {
		t.Errorf("expected code 5, got %v", err)
	}
	m.Reference("1", true)
	if err := m.MoveAbs("1", 101); !errors.Is(err, GCS2Err(7)) {
		t.Errorf("expected code 7, got %v", err)
	}
}

func TestMockSettles(t *testing.T) {
	m := NewMockController(0, 100)
	m.SettleQueries = 2
	m.SetServo("1", true)
	m.Reference("1", true)
	for i := 0; i < 2; i++ {
		if on, _ := m.GetOnTarget("1"); on {
			t.Fatalf("on target after %d queries", i)
		}
	}
	if on, _ := m.GetOnTarget("1"); !on {
		t.Fatal("not on target after settling")
	}
	m.MoveAbs("1", 42)
	for on, _ := m.GetOnTarget("1"); !on; on, _ = m.GetOnTarget("1") {
	}
	if pos, _ := m.GetPos("1"); pos != 42 {
		t.Errorf("expected 42, got %g", pos)
	}
	if n := m.Moves(); n != 2 {
		t.Errorf("expected 2 moves, got %d", n)
	}
}
