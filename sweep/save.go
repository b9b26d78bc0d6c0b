package sweep

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/pumpprobe/tacq/util"
)

// SaveError is returned when sweep data could not be written.  It never
// invalidates the accumulated data.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("error saving %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// CurrentPath is the file SaveCurrentData writes for the current sweep
func (a *Accumulator) CurrentPath() string {
	return a.path(fmt.Sprintf("sweep_%d.Dtc", a.sweepLabel()))
}

// AvgPath is the file SaveAvgData writes for the current sweep
func (a *Accumulator) AvgPath() string {
	return a.path(fmt.Sprintf("avg_%d.Dtc", a.sweepLabel()))
}

// MetadataPath is the file SaveMetadataEachSweep appends to
func (a *Accumulator) MetadataPath() string {
	return a.path("metadata.txt")
}

// SaveCurrentData writes the current sweep matrix
func (a *Accumulator) SaveCurrentData(waves []float64) error {
	return a.writeMatrix(a.CurrentPath(), waves, a.current)
}

// SaveAvgData writes the running average matrix
func (a *Accumulator) SaveAvgData(waves []float64) error {
	return a.writeMatrix(a.AvgPath(), waves, a.avg)
}

// writeMatrix writes a comma delimited matrix whose first row is 0 followed
// by the wavelengths and whose following rows are a time followed by dT/T
func (a *Accumulator) writeMatrix(path string, waves []float64, m *mat.Dense) error {
	if len(waves) != a.pixels {
		return &SaveError{Path: path, Err: fmt.Errorf("%d wavelengths for %d pixels", len(waves), a.pixels)}
	}
	if err := os.MkdirAll(a.out.Dir, 0777); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return &SaveError{Path: path, Err: err}
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	w.WriteString("0," + util.Float64SliceToCSV(waves) + "\n")
	for i, t := range a.Times {
		w.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
		w.WriteString(",")
		w.WriteString(util.Float64SliceToCSV(m.RawRowView(i)))
		w.WriteString("\n")
	}
	if err := w.Flush(); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	return nil
}

// SaveMetadataEachSweep appends a block for the current sweep holding the
// acquisition parameters and the last probe on, reference on and probe shot
// error spectra
func (a *Accumulator) SaveMetadataEachSweep(probeOn, referenceOn, probeError []float64) error {
	path := a.MetadataPath()
	if err := os.MkdirAll(a.out.Dir, 0777); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return &SaveError{Path: path, Err: err}
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "[sweep %d]\n", a.sweepLabel())
	entries := make(Metadata, len(a.metadata))
	copy(entries, a.metadata)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	for _, e := range entries {
		fmt.Fprintf(&b, "%s: %v\n", e.Key, e.Value)
	}
	fmt.Fprintf(&b, "probe on: %s\n", util.Float64SliceToCSV(probeOn))
	fmt.Fprintf(&b, "reference on: %s\n", util.Float64SliceToCSV(referenceOn))
	fmt.Fprintf(&b, "probe shot error: %s\n\n", util.Float64SliceToCSV(probeError))
	if _, err := f.WriteString(b.String()); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	return nil
}

// ReadMatrix reads a file written by SaveCurrentData or SaveAvgData and
// returns the wavelengths, times and dT/T matrix
func ReadMatrix(path string) (waves, times []float64, dtt *mat.Dense, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var rows [][]float64
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		vals, err := util.ParseCSVFloats(line)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		rows = append(rows, vals)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, nil, err
	}
	if len(rows) < 2 {
		return nil, nil, nil, fmt.Errorf("%s: no data rows", path)
	}
	waves = rows[0][1:]
	dtt = mat.NewDense(len(rows)-1, len(waves), nil)
	for i, r := range rows[1:] {
		if len(r) != len(waves)+1 {
			return nil, nil, nil, fmt.Errorf("%s: row %d has %d columns, expected %d", path, i+1, len(r), len(waves)+1)
		}
		times = append(times, r[0])
		dtt.SetRow(i, r[1:])
	}
	return waves, times, dtt, nil
}
