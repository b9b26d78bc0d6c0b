package mathx_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pumpprobe/tacq/mathx"
)

var approx = cmpopts.EquateApprox(0, 1e-12)

func ExampleRoll() {
	fmt.Println(mathx.Roll([]float64{1, 2, 3, 4}, 1))
	// Output: [4 1 2 3]
}

func ExampleLinspace() {
	fmt.Println(mathx.Linspace(-10, 0, 5, false))
	// Output: [-10 -8 -6 -4 -2]
}

func TestRollNegativeAndWrapping(t *testing.T) {
	in := []float64{1, 2, 3, 4}
	if diff := cmp.Diff([]float64{2, 3, 4, 1}, mathx.Roll(in, -1)); diff != "" {
		t.Errorf("roll -1 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(in, mathx.Roll(in, 4)); diff != "" {
		t.Errorf("roll by len should be identity (-want +got):\n%s", diff)
	}
	if len(mathx.Roll(nil, 3)) != 0 {
		t.Error("roll of empty slice should be empty")
	}
}

func TestLinspaceEndpoint(t *testing.T) {
	got := mathx.Linspace(0, 1, 5, true)
	want := []float64{0, 0.25, 0.5, 0.75, 1}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("linspace mismatch (-want +got):\n%s", diff)
	}
}

func TestGeomspaceEnds(t *testing.T) {
	got := mathx.Geomspace(0.1, 1000.1, 5)
	if got[0] != 0.1 || got[4] != 1000.1 {
		t.Errorf("expected exact ends, got %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("geomspace not increasing at %d: %v", i, got)
		}
	}
	ratio := got[1] / got[0]
	for i := 2; i < len(got); i++ {
		r := got[i] / got[i-1]
		if math.Abs(r-ratio) > 1e-9*ratio {
			t.Errorf("ratio at %d was %g, expected %g", i, r, ratio)
		}
	}
}

func TestInterpClampsOutsideRange(t *testing.T) {
	xp := []float64{0, 1, 2, 3}
	fp := []float64{0, 10, 20, 30}
	got, err := mathx.Interp([]float64{-1, 0.5, 2.25, 9}, xp, fp)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 5, 22.5, 30}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("interp mismatch (-want +got):\n%s", diff)
	}
}

func TestMaxAbsFinite(t *testing.T) {
	v, ok := mathx.MaxAbsFinite([]float64{math.NaN(), -3, 2, math.Inf(1)})
	if !ok || v != 3 {
		t.Errorf("expected 3, true got %g, %v", v, ok)
	}
	_, ok = mathx.MaxAbsFinite([]float64{math.NaN(), math.Inf(-1)})
	if ok {
		t.Error("expected no finite values to be found")
	}
}
