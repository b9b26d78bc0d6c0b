// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
)

// Float64SliceToCSV converts a slice of floats to CSV formatted data using
// the shortest representation that round trips.
// e.g., []float64{1,2.5,-3} => "1,2.5,-3"
func Float64SliceToCSV(fs []float64) string {
	s := make([]string, len(fs))
	for i, v := range fs {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(s, ",")
}

// ParseCSVFloats is the inverse of Float64SliceToCSV.  Surrounding whitespace
// on each field is ignored.
func ParseCSVFloats(line string) ([]float64, error) {
	fields := strings.Split(line, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Limiter is a type that checks a value against an inclusive range
type Limiter struct {
	Min float64 `yaml:"Min"`
	Max float64 `yaml:"Max"`
}

// Check returns true if v is within the limits
func (l Limiter) Check(v float64) bool {
	return v >= l.Min && v <= l.Max
}
