package delay_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/pumpprobe/tacq/delay"
	"github.com/pumpprobe/tacq/pi"
	"github.com/pumpprobe/tacq/srs"
)

func testStageConfig() delay.StageConfig {
	cfg := delay.LongStage
	cfg.Timeout = time.Second
	cfg.PollRate = 1000
	return cfg
}

func readyStage(t *testing.T, cfg delay.StageConfig) (*delay.Stage, *pi.MockController) {
	t.Helper()
	m := pi.NewMockController(0, 100)
	m.SettleQueries = 3
	s := delay.NewStage(m, cfg)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, m
}

func TestStageInitializeReachesReady(t *testing.T) {
	s, m := readyStage(t, testStageConfig())
	if s.State() != delay.Ready {
		t.Errorf("expected ready, got %s", s.State())
	}
	if v, _ := m.GetVelocity("1"); v != 30 {
		t.Errorf("expected velocity 30, got %g", v)
	}
	if ref, _ := m.GetReferenced("1"); !ref {
		t.Error("axis not referenced")
	}
}

func TestStageMoveConvertsToMillimeters(t *testing.T) {
	s, _ := readyStage(t, testStageConfig())
	s.SetT0(10)
	flip, err := s.MoveTo(context.Background(), 110)
	if err != nil {
		t.Fatal(err)
	}
	if flip {
		t.Error("a stage never flips tau")
	}
	pos, _ := s.Position()
	want := 0.299792458 * 100 / 2
	if math.Abs(pos-want) > 1e-12 {
		t.Errorf("expected %g mm, got %g", want, pos)
	}
}

func TestStageCheckTimes(t *testing.T) {
	s, _ := readyStage(t, testStageConfig())
	if ok, _ := s.CheckTime(600); !ok {
		t.Error("600 ps (89.9 mm) should be on the stage")
	}
	if ok, _ := s.CheckTime(700); ok {
		t.Error("700 ps (104.9 mm) should be off the stage")
	}
	if ok, _ := s.CheckTime(-1); ok {
		t.Error("negative positions should be off the stage")
	}
	if ok, _ := s.CheckTimes([]float64{0, 100, 700}); ok {
		t.Error("one bad time should fail the list")
	}
	if ok, _ := s.CheckTimes([]float64{0, 100, 600}); !ok {
		t.Error("all times are reachable")
	}
}

func TestStageMoveBeforeInitialize(t *testing.T) {
	s := delay.NewStage(pi.NewMockController(0, 100), testStageConfig())
	if _, err := s.MoveTo(context.Background(), 1); !errors.Is(err, delay.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestStageTimeout(t *testing.T) {
	cfg := testStageConfig()
	cfg.Timeout = 50 * time.Millisecond
	s, m := readyStage(t, cfg)
	m.SettleQueries = math.MaxInt32
	if _, err := s.MoveTo(context.Background(), 100); !errors.Is(err, delay.ErrHardwareTimeout) {
		t.Errorf("expected ErrHardwareTimeout, got %v", err)
	}
}

func TestStageQueryErrors(t *testing.T) {
	strict, m := readyStage(t, testStageConfig())
	m.QueryFailures = 1
	if _, err := strict.MoveTo(context.Background(), 100); !errors.Is(err, pi.GCS2Err(52)) {
		t.Errorf("expected the query error, got %v", err)
	}

	cfg := delay.ShortStage
	cfg.Timeout = time.Second
	cfg.PollRate = 1000
	cfg.RetryPause = time.Millisecond
	tolerant := delay.NewStage(pi.NewMockController(0, 100), cfg)
	if err := tolerant.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := tolerant.MoveTo(context.Background(), 100); err != nil {
		t.Errorf("tolerant stage failed: %v", err)
	}
}

func readyGenerator(t *testing.T, t0 float64) (*delay.Generator, *srs.Mock) {
	t.Helper()
	m := srs.NewMock()
	g := delay.NewGenerator(m, t0)
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return g, m
}

func TestGeneratorFlipsNegativeDelays(t *testing.T) {
	g, m := readyGenerator(t, 0)
	flip, err := g.MoveTo(context.Background(), 500)
	if err != nil {
		t.Fatal(err)
	}
	if !flip {
		t.Error("a pump after the probe should flip tau")
	}
	ref, dt, _ := m.GetDelay(srs.ChanA)
	if ref != srs.ChanT0 {
		t.Errorf("expected channel A referenced to T0, got %d", ref)
	}
	if math.Abs(dt-(1e-3-5e-7)) > 1e-15 {
		t.Errorf("expected one period less 500 ns, got %g", dt)
	}

	flip, _ = g.MoveTo(context.Background(), -500)
	_, dt, _ = m.GetDelay(srs.ChanA)
	if flip || math.Abs(dt-5e-7) > 1e-15 {
		t.Errorf("expected 500 ns without flip, got %g, %v", dt, flip)
	}
}

func TestGeneratorCheckTime(t *testing.T) {
	g, _ := readyGenerator(t, 0)
	if ok, _ := g.CheckTime(-2e6); ok {
		t.Error("2 ms is beyond one period")
	}
	if ok, _ := g.CheckTime(1e6); !ok {
		t.Error("exactly one period is allowed")
	}
	if ok, _ := g.CheckTimes([]float64{-1e5, 0, 1e5}); !ok {
		t.Error("all times are within one period")
	}
	if g.Units() != "ns" {
		t.Errorf("unexpected units %s", g.Units())
	}
}

func TestGeneratorMoveBeforeInitialize(t *testing.T) {
	g := delay.NewGenerator(srs.NewMock(), 0)
	if _, err := g.MoveTo(context.Background(), 1); !errors.Is(err, delay.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestDevicesAreTimeZeroers(t *testing.T) {
	var _ delay.Device = (*delay.Stage)(nil)
	var _ delay.Device = (*delay.Generator)(nil)
	var _ delay.TimeZeroer = (*delay.Stage)(nil)
	var _ delay.TimeZeroer = (*delay.Generator)(nil)
	var _ delay.Axis = (*pi.Controller)(nil)
	var _ delay.Channel = (*srs.DG645)(nil)
}
