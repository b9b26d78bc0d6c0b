package reduce

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/mat"
)

const (
	trigPixel  = 0
	firstPixel = 2
)

var approx = cmpopts.EquateApprox(0, 1e-9)

// makeBatch builds a batch whose frames are [trigger, 0, window...]
func makeBatch(t *testing.T, trig []uint16, probe, ref [][]uint16) *ShotBatch {
	t.Helper()
	p := make([][]uint16, len(trig))
	r := make([][]uint16, len(trig))
	for i := range trig {
		p[i] = append([]uint16{trig[i], 0}, probe[i]...)
		r[i] = append([]uint16{0, 0}, ref[i]...)
	}
	b, err := NewShotBatch(p, r, firstPixel, len(probe[0]))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// constRows returns n rows of width w, row i filled with vals[i%len(vals)]
func constRows(n, w int, vals ...uint16) [][]uint16 {
	out := make([][]uint16, n)
	for i := range out {
		out[i] = make([]uint16, w)
		for j := range out[i] {
			out[i][j] = vals[i%len(vals)]
		}
	}
	return out
}

func TestNewShotBatchValidates(t *testing.T) {
	_, err := NewShotBatch(constRows(3, 8, 1), constRows(3, 8, 1), 0, 4)
	if !errors.Is(err, ErrOddShots) {
		t.Errorf("expected ErrOddShots, got %v", err)
	}
	_, err = NewShotBatch(constRows(2, 8, 1), constRows(2, 8, 1), 6, 4)
	if !errors.Is(err, ErrWindow) {
		t.Errorf("expected ErrWindow, got %v", err)
	}
	_, err = NewShotBatch(nil, nil, 0, 4)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestNewShotBatchCropsWindow(t *testing.T) {
	frame := []uint16{9, 8, 1, 2, 3, 4, 7}
	b, err := NewShotBatch([][]uint16{frame, frame}, [][]uint16{frame, frame}, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 4}, b.Probe.RawRowView(1)); diff != "" {
		t.Errorf("cropped probe mismatch (-want +got):\n%s", diff)
	}
	if b.Width() != 7 || b.Shots() != 2 {
		t.Errorf("expected width 7 and 2 shots, got %d and %d", b.Width(), b.Shots())
	}
}

func TestSeparateOnOffPartitionsShots(t *testing.T) {
	probe := make([][]uint16, 6)
	for i := range probe {
		probe[i] = []uint16{uint16(10 * (i + 1)), uint16(10*(i+1) + 1)}
	}
	b := makeBatch(t, []uint16{100, 5, 100, 5, 100, 5}, probe, constRows(6, 2, 1))
	r := NewReducer()
	noisy, err := r.SeparateOnOff(b, TriggerConfig{Pixel: trigPixel, Threshold: 50}, false)
	if err != nil {
		t.Fatal(err)
	}
	if noisy {
		t.Error("a clean two level trigger should not be flagged as noisy")
	}
	onRows, _ := r.probeOn.Dims()
	offRows, _ := r.probeOff.Dims()
	if onRows != 3 || offRows != 3 {
		t.Fatalf("expected 3 on and 3 off shots, got %d and %d", onRows, offRows)
	}
	seen := map[float64]int{}
	for i := 0; i < 3; i++ {
		seen[r.probeOn.At(i, 0)]++
		seen[r.probeOff.At(i, 0)]++
	}
	for i := 0; i < 6; i++ {
		if seen[float64(10*(i+1))] != 1 {
			t.Errorf("shot %d appeared %d times in on+off", i, seen[float64(10*(i+1))])
		}
	}
	if r.probeOn.At(0, 0) != 10 || r.probeOff.At(0, 0) != 20 {
		t.Errorf("expected even shots on, got on[0]=%g off[0]=%g", r.probeOn.At(0, 0), r.probeOff.At(0, 0))
	}
}

func TestConstantTriggerIsNotNoisy(t *testing.T) {
	b := makeBatch(t, []uint16{100, 100, 100, 100}, constRows(4, 2, 1), constRows(4, 2, 1))
	noisy, err := NewReducer().SeparateOnOff(b, TriggerConfig{Pixel: trigPixel, Threshold: 50}, false)
	if err != nil {
		t.Fatal(err)
	}
	if noisy {
		t.Error("constant trigger flagged as noisy")
	}
}

func TestGlitchedTriggerIsNoisy(t *testing.T) {
	b := makeBatch(t, []uint16{0, 0, 0, 0, 0, 300}, constRows(6, 2, 1), constRows(6, 2, 1))
	r := NewReducer()
	noisy, err := r.SeparateOnOff(b, TriggerConfig{Pixel: trigPixel, Threshold: 50}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !noisy {
		t.Error("expected a single 300 count glitch to flag noise")
	}
}

func TestTauFlipSwapsParity(t *testing.T) {
	probe := constRows(4, 2, 2, 1) // even shots 2, odd shots 1
	b := makeBatch(t, []uint16{100, 5, 100, 5}, probe, constRows(4, 2, 1))
	trig := TriggerConfig{Pixel: trigPixel, Threshold: 50}

	r := NewReducer()
	if _, err := r.SeparateOnOff(b, trig, false); err != nil {
		t.Fatal(err)
	}
	if r.probeOn.At(0, 0) != 2 {
		t.Errorf("without flip expected on=2, got %g", r.probeOn.At(0, 0))
	}
	if _, err := r.SeparateOnOff(b, trig, true); err != nil {
		t.Fatal(err)
	}
	if r.probeOn.At(0, 0) != 1 {
		t.Errorf("with flip expected on=1, got %g", r.probeOn.At(0, 0))
	}
	if diff := cmp.Diff([]float64{5, 100, 5, 100}, r.trigger); diff != "" {
		t.Errorf("rolled trigger mismatch (-want +got):\n%s", diff)
	}
}

func TestReduceOnTwiceOffGivesUnitDtt(t *testing.T) {
	b := makeBatch(t, []uint16{100, 5, 100, 5}, constRows(4, 5, 2, 1), constRows(4, 5, 1))
	for _, useRef := range []bool{false, true} {
		for _, avgOff := range []bool{false, true} {
			opts := Options{
				Trigger:             TriggerConfig{Pixel: trigPixel, Threshold: 50},
				UseReference:        useRef,
				UseAveragedOffShots: avgOff,
				Cutoff:              Cutoff{Low: 0, High: 5},
				MaxDtt:              10,
			}
			s, q, err := NewReducer().Reduce(b, opts, false)
			if err != nil {
				t.Fatal(err)
			}
			if !q.Clean() {
				t.Errorf("ref=%v avgOff=%v: expected clean, got %+v", useRef, avgOff, q)
			}
			if diff := cmp.Diff([]float64{1, 1, 1, 1, 1}, s.Dtt, approx); diff != "" {
				t.Errorf("ref=%v avgOff=%v: dtt mismatch (-want +got):\n%s", useRef, avgOff, diff)
			}
			if useRef && s.DttError == nil {
				t.Error("expected a dT/T error when referencing")
			}
			if !useRef && (s.DttError != nil || s.ReferenceShotError != nil) {
				t.Error("expected no reference errors without referencing")
			}
		}
	}
}

func TestComputeDttIsIdempotent(t *testing.T) {
	probe := [][]uint16{{30, 7}, {10, 6}, {50, 9}, {11, 5}}
	b := makeBatch(t, []uint16{100, 5, 100, 5}, probe, constRows(4, 2, 3))
	r := NewReducer()
	if _, err := r.SeparateOnOff(b, TriggerConfig{Pixel: trigPixel, Threshold: 50}, false); err != nil {
		t.Fatal(err)
	}
	if err := r.AverageShots(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ComputeDtt(false, Cutoff{0, 2}, true, 100); err != nil {
		t.Fatal(err)
	}
	first := r.Spectrum().Dtt
	if _, err := r.ComputeDtt(false, Cutoff{0, 2}, true, 100); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, r.Spectrum().Dtt); diff != "" {
		t.Errorf("second ComputeDtt changed dtt (-first +second):\n%s", diff)
	}
}

func TestDttGateIsMonotonic(t *testing.T) {
	b := makeBatch(t, []uint16{100, 5, 100, 5}, constRows(4, 3, 2, 1), constRows(4, 3, 1))
	r := NewReducer()
	if _, err := r.SeparateOnOff(b, TriggerConfig{Pixel: trigPixel, Threshold: 50}, false); err != nil {
		t.Fatal(err)
	}
	if err := r.AverageShots(); err != nil {
		t.Fatal(err)
	}
	prev := true
	for _, maxDtt := range []float64{0, 0.5, 0.99, 1, 1.5, 10} {
		high, err := r.ComputeDtt(false, Cutoff{0, 3}, true, maxDtt)
		if err != nil {
			t.Fatal(err)
		}
		if high && !prev {
			t.Errorf("gate re-tripped at maxDtt=%g after clearing", maxDtt)
		}
		if want := maxDtt < 1; high != want {
			t.Errorf("maxDtt=%g: expected high=%v got %v", maxDtt, want, high)
		}
		prev = high
	}
}

func TestDttGateIgnoresPixelsOutsideCutoff(t *testing.T) {
	// pixel 0 has a large signal, the rest none
	probe := [][]uint16{{40, 1, 1}, {1, 1, 1}, {40, 1, 1}, {1, 1, 1}}
	b := makeBatch(t, []uint16{100, 5, 100, 5}, probe, constRows(4, 3, 1))
	opts := Options{
		Trigger:             TriggerConfig{Pixel: trigPixel, Threshold: 50},
		UseAveragedOffShots: true,
		Cutoff:              Cutoff{Low: 1, High: 3},
		MaxDtt:              1,
	}
	_, q, err := NewReducer().Reduce(b, opts, false)
	if err != nil {
		t.Fatal(err)
	}
	if q.HighDtt {
		t.Error("spike outside the cutoff window tripped the gate")
	}
	opts.Cutoff = Cutoff{Low: 0, High: 3}
	_, q, err = NewReducer().Reduce(b, opts, false)
	if err != nil {
		t.Fatal(err)
	}
	if !q.HighDtt {
		t.Error("spike inside the cutoff window did not trip the gate")
	}
}

func TestComputeErrorWithoutReference(t *testing.T) {
	probe := [][]uint16{{3}, {1}, {5}, {1}}
	b := makeBatch(t, []uint16{100, 5, 100, 5}, probe, constRows(4, 1, 1))
	opts := Options{Trigger: TriggerConfig{Pixel: trigPixel, Threshold: 50}, UseAveragedOffShots: true, Cutoff: Cutoff{0, 1}, MaxDtt: 100}
	s, _, err := NewReducer().Reduce(b, opts, false)
	if err != nil {
		t.Fatal(err)
	}
	// per pair 2(on-off)/(on+off) = 1 and 4/3, population std = 1/6
	if math.Abs(s.ProbeShotError[0]-1.0/6) > 1e-12 {
		t.Errorf("expected probe error 1/6, got %g", s.ProbeShotError[0])
	}
}

func TestComputeErrorValues(t *testing.T) {
	// on shots 0 and 2, off shots 1 and 3
	probe := [][]uint16{{300}, {100}, {500}, {100}}
	ref := [][]uint16{{100}, {100}, {300}, {50}}
	b := makeBatch(t, []uint16{100, 5, 100, 5}, probe, ref)
	cases := []struct {
		name   string
		useRef bool
		avgOff bool
		probe  float64
		ref    []float64
		dttErr []float64
	}{
		// pairs give 1 and 4/3
		{name: "probe only", probe: 1.0 / 6},
		{name: "probe only, averaged off", avgOff: true, probe: 1.0 / 6},
		// reference pairs give 0 and 10/7, referenced off shots 1 and 2
		{name: "referenced", useRef: true, probe: 1.0 / 6, ref: []float64{5.0 / 7}, dttErr: []float64{0.5}},
		// mean denominators give 0.8 and 1.6, reference against the mean off
		// gives 2/7 and 1.2
		{name: "referenced, averaged off", useRef: true, avgOff: true, probe: 0.4, ref: []float64{3.2 / 7}, dttErr: []float64{0.5}},
	}
	for _, c := range cases {
		opts := Options{
			Trigger:             TriggerConfig{Pixel: trigPixel, Threshold: 50},
			UseReference:        c.useRef,
			UseAveragedOffShots: c.avgOff,
			Cutoff:              Cutoff{0, 1},
			MaxDtt:              100,
		}
		s, _, err := NewReducer().Reduce(b, opts, false)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if diff := cmp.Diff([]float64{c.probe}, s.ProbeShotError, approx); diff != "" {
			t.Errorf("%s: probe error mismatch (-want +got):\n%s", c.name, diff)
		}
		if diff := cmp.Diff(c.ref, s.ReferenceShotError, approx); diff != "" {
			t.Errorf("%s: reference error mismatch (-want +got):\n%s", c.name, diff)
		}
		if diff := cmp.Diff(c.dttErr, s.DttError, approx); diff != "" {
			t.Errorf("%s: dT/T error mismatch (-want +got):\n%s", c.name, diff)
		}
	}
}

func TestRefManipulationWithoutReferencing(t *testing.T) {
	b := makeBatch(t, []uint16{100, 5, 100, 5}, constRows(4, 5, 2, 1), constRows(4, 5, 1))
	opts := Options{
		Trigger:         TriggerConfig{Pixel: trigPixel, Threshold: 50},
		Cutoff:          Cutoff{Low: 0, High: 5},
		MaxDtt:          10,
		RefManipulation: &RefManipulation{Stretch: 1, VOffset: 10, ScaleFactor: 1},
	}
	s, _, err := NewReducer().Reduce(b, opts, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{11, 11, 11, 11, 11}, s.ReferenceOn, approx); diff != "" {
		t.Errorf("reference on mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 1, 1, 1, 1}, s.Dtt, approx); diff != "" {
		t.Errorf("dtt should not depend on the reference (-want +got):\n%s", diff)
	}
	if s.ReferenceShotError != nil || s.DttError != nil {
		t.Error("expected no reference errors without referencing")
	}
}

func TestBackgroundIsSubtracted(t *testing.T) {
	b := makeBatch(t, []uint16{100, 5, 100, 5}, constRows(4, 2, 3, 2), constRows(4, 2, 1))
	bg := Background{
		ProbeOn:      []float64{1, 1},
		ProbeOff:     []float64{1, 1},
		ReferenceOn:  []float64{0, 0},
		ReferenceOff: []float64{0, 0},
	}
	opts := Options{
		Trigger:             TriggerConfig{Pixel: trigPixel, Threshold: 50},
		Background:          &bg,
		UseAveragedOffShots: true,
		Cutoff:              Cutoff{0, 2},
		MaxDtt:              100,
	}
	s, _, err := NewReducer().Reduce(b, opts, false)
	if err != nil {
		t.Fatal(err)
	}
	// (3-1) on, (2-1) off
	if diff := cmp.Diff([]float64{1, 1}, s.Dtt, approx); diff != "" {
		t.Errorf("dtt mismatch (-want +got):\n%s", diff)
	}
	bg.ProbeOn = []float64{1}
	if _, _, err := NewReducer().Reduce(b, opts, false); err == nil {
		t.Error("expected an error for a background of the wrong width")
	}
}

func TestReduceBackground(t *testing.T) {
	b := makeBatch(t, []uint16{100, 5, 100, 5}, constRows(4, 2, 7, 3), constRows(4, 2, 6, 2))
	bg, err := NewReducer().ReduceBackground(b, TriggerConfig{Pixel: trigPixel, Threshold: 50}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := Background{
		ProbeOn:      []float64{7, 7},
		ProbeOff:     []float64{3, 3},
		ReferenceOn:  []float64{6, 6},
		ReferenceOff: []float64{2, 2},
	}
	if diff := cmp.Diff(want, bg); diff != "" {
		t.Errorf("background mismatch (-want +got):\n%s", diff)
	}
}

func TestDeriveLinearCorrection(t *testing.T) {
	row := []uint16{2, 1, 4, 2, 5}
	probe := [][]uint16{row, row}
	b := makeBatch(t, []uint16{100, 5}, probe, probe)
	lc := DeriveLinearCorrection(b)
	want := []float64{2, 1, 2, 1, 1}
	if diff := cmp.Diff(want, lc.Probe); diff != "" {
		t.Errorf("probe correction mismatch (-want +got):\n%s", diff)
	}

	r := NewReducer()
	if _, err := r.SeparateOnOff(b, TriggerConfig{Pixel: trigPixel, Threshold: 50}, false); err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyLinearCorrection(lc); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 1, 2, 2, 5}, r.probeOn.RawRowView(0)); diff != "" {
		t.Errorf("corrected row mismatch (-want +got):\n%s", diff)
	}
}

func linearRows(rows, n int) *mat.Dense {
	m := mat.NewDense(rows, n, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < n; j++ {
			m.Set(i, j, 100+2*float64(j)+float64(i))
		}
	}
	return m
}

func TestManipulateReferenceInverseRoundTrip(t *testing.T) {
	const n = 64
	cases := []struct {
		name             string
		forward, inverse RefManipulation
		lo, hi           int
	}{
		{
			name:    "offsets",
			forward: RefManipulation{Stretch: 1, VOffset: 5, HOffset: 3, ScaleCenter: 32, ScaleFactor: 1},
			inverse: RefManipulation{Stretch: 1, VOffset: -5, HOffset: -3, ScaleCenter: 32, ScaleFactor: 1},
			lo:      3,
			hi:      57,
		},
		{
			name:    "scale",
			forward: RefManipulation{Stretch: 2, ScaleCenter: 32, ScaleFactor: 1.25},
			inverse: RefManipulation{Stretch: 0.5, ScaleCenter: 32, ScaleFactor: 0.8},
			lo:      2,
			hi:      61,
		},
	}
	for _, c := range cases {
		r := &Reducer{refOn: linearRows(2, n), refOff: linearRows(2, n)}
		orig := mat.DenseCopyOf(r.refOn)
		if err := r.ManipulateReference(c.forward); err != nil {
			t.Fatal(err)
		}
		if err := r.ManipulateReference(c.inverse); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			got := r.refOn.RawRowView(i)[c.lo:c.hi]
			want := orig.RawRowView(i)[c.lo:c.hi]
			if diff := cmp.Diff(want, got, approx); diff != "" {
				t.Errorf("%s: round trip mismatch on row %d (-want +got):\n%s", c.name, i, diff)
			}
		}
	}
}

func TestManipulateReferenceTreatsNonPositiveAsUnity(t *testing.T) {
	r := &Reducer{refOn: linearRows(1, 8), refOff: linearRows(1, 8)}
	orig := mat.DenseCopyOf(r.refOn)
	if err := r.ManipulateReference(RefManipulation{Stretch: 0, ScaleFactor: -1}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(orig.RawRowView(0), r.refOn.RawRowView(0), approx); diff != "" {
		t.Errorf("identity manipulation changed data (-want +got):\n%s", diff)
	}
}

func TestStepsBeforeSeparationFail(t *testing.T) {
	r := NewReducer()
	if err := r.AverageShots(); !errors.Is(err, ErrNotSeparated) {
		t.Errorf("expected ErrNotSeparated, got %v", err)
	}
	if _, err := r.ComputeDtt(false, Cutoff{0, 1}, true, 1); !errors.Is(err, ErrNotSeparated) {
		t.Errorf("expected ErrNotSeparated, got %v", err)
	}
}
