package timefile_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pumpprobe/tacq/timefile"
)

func ExampleLinear() {
	times, _ := timefile.Linear(-10, 10, 5)
	fmt.Println(times)
	// Output: [-10 -5 0 5 10]
}

func TestLinearTooFewPoints(t *testing.T) {
	if _, err := timefile.Linear(0, 1, 4); err == nil {
		t.Error("expected an error below the minimum point count")
	}
}

func TestExponential(t *testing.T) {
	times, err := timefile.Exponential(-20, 1000, 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(times) != 40 {
		t.Fatalf("expected 40 times, got %d", len(times))
	}
	if times[0] != -20 || times[19] != -1 {
		t.Errorf("unexpected linear head %v", times[:20])
	}
	if times[20] != 0 || times[39] != 1000 {
		t.Errorf("expected the tail to run from 0 to 1000, got %g to %g", times[20], times[39])
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			t.Fatalf("times not increasing at %d: %v", i, times)
		}
	}
	// spacing grows after zero
	if times[22]-times[21] >= times[39]-times[38] {
		t.Error("expected spacing to grow with delay")
	}
}

func TestExponentialNeedsZeroCrossing(t *testing.T) {
	if _, err := timefile.Exponential(5, 1000, 30); err == nil {
		t.Error("expected an error for a positive start")
	}
}

func TestReadSkipsCommentsAndBlanks(t *testing.T) {
	in := "# ps\n-1.5\n\n0\n  2.25 \n1e3\n"
	times, err := timefile.Read(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-1.5, 0, 2.25, 1000}, times); diff != "" {
		t.Errorf("times mismatch (-want +got):\n%s", diff)
	}
	if _, err := timefile.Read(strings.NewReader("# nothing\n")); err != timefile.ErrEmpty {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := timefile.Read(strings.NewReader("1\nx\n")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestWriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	if err := timefile.Write(&buf, []float64{-1, 0.5, 100}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "-1.00\n0.50\n100.00\n" {
		t.Errorf("unexpected file contents %q", buf.String())
	}
	path := filepath.Join(dir, "short.tf")
	if err := os.WriteFile(path, buf.Bytes(), 0666); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0666)
	times, err := timefile.Config{Distribution: "file", File: path}.Times()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{-1, 0.5, 100}, times); diff != "" {
		t.Errorf("times mismatch (-want +got):\n%s", diff)
	}
	names, err := timefile.List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"short.tf"}, names); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigUnknownDistribution(t *testing.T) {
	if _, err := (timefile.Config{Distribution: "cubic", Points: 10}).Times(); err == nil {
		t.Error("expected an error for an unknown distribution")
	}
}
