// Package timefile builds the list of delay times a run sweeps over, either
// from a distribution or from a .tf file holding one time per line.
package timefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pumpprobe/tacq/mathx"
)

const (
	// Ext is the extension of time files
	Ext = ".tf"

	// MinLinearPoints is the fewest points a linear distribution may have
	MinLinearPoints = 5

	// MinExponentialPoints is the fewest points an exponential distribution may have
	MinExponentialPoints = 25

	// pointsBeforeZero is the number of linearly spaced points ahead of time
	// zero in an exponential distribution
	pointsBeforeZero = 20

	// expStep offsets the geometric part so that it can start at zero
	expStep = 0.1
)

// ErrEmpty is returned when a time file holds no times
var ErrEmpty = errors.New("time file holds no times")

// Config selects how the time list is built
type Config struct {
	// Distribution is "linear", "exponential" or "file"
	Distribution string  `yaml:"Distribution"`
	Start        float64 `yaml:"Start"`
	End          float64 `yaml:"End"`
	Points       int     `yaml:"Points"`

	// File is the .tf file used when Distribution is "file"
	File string `yaml:"File"`
}

// Times builds the time list described by c
func (c Config) Times() ([]float64, error) {
	switch strings.ToLower(c.Distribution) {
	case "", "linear":
		return Linear(c.Start, c.End, c.Points)
	case "exponential", "exp":
		return Exponential(c.Start, c.End, c.Points)
	case "file":
		return ReadFile(c.File)
	default:
		return nil, fmt.Errorf("time distribution %q not understood", c.Distribution)
	}
}

// Linear returns n evenly spaced times from start to end inclusive
func Linear(start, end float64, n int) ([]float64, error) {
	if n < MinLinearPoints {
		return nil, fmt.Errorf("linear distribution needs at least %d points, got %d", MinLinearPoints, n)
	}
	return mathx.Linspace(start, end, n, true), nil
}

// Exponential returns 20 evenly spaced times from start up to (excluding)
// zero, followed by n-20 times from 0 to end spaced evenly on a log scale
func Exponential(start, end float64, n int) ([]float64, error) {
	if n < MinExponentialPoints {
		return nil, fmt.Errorf("exponential distribution needs at least %d points, got %d", MinExponentialPoints, n)
	}
	if start >= 0 || end <= 0 {
		return nil, fmt.Errorf("exponential distribution needs start < 0 < end, got %g and %g", start, end)
	}
	before := mathx.Linspace(start, 0, pointsBeforeZero, false)
	after := mathx.Geomspace(expStep, end+expStep, n-pointsBeforeZero)
	for i := range after {
		after[i] -= expStep
	}
	// pin zero and end exactly, geomspace - step loses the last bits
	after[0], after[len(after)-1] = 0, end
	return append(before, after...), nil
}

// Read parses whitespace separated times.  Blank lines and lines starting
// with # are skipped.
func Read(r io.Reader) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		for _, field := range strings.Fields(text) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			out = append(out, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// ReadFile reads a time file from disk
func ReadFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	times, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return times, nil
}

// Write writes one time per line with two decimals, the precision the
// times are displayed at
func Write(w io.Writer, times []float64) error {
	bw := bufio.NewWriter(w)
	for _, t := range times {
		if _, err := fmt.Fprintf(bw, "%.2f\n", t); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// List returns the names of the .tf files in dir, sorted
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == Ext {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
