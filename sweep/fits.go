package sweep

import (
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/mat"
)

// FITSPath is the file SaveFITS writes for the current sweep
func (a *Accumulator) FITSPath() string {
	return a.path(fmt.Sprintf("sweep_%d.fits", a.sweepLabel()))
}

// SaveFITS archives the current sweep as a FITS file with four image HDUs:
// the current sweep (primary), the running average, the wavelengths and the
// delay times.  The metadata is written as header cards on the primary HDU.
func (a *Accumulator) SaveFITS(waves []float64) error {
	path := a.FITSPath()
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
	if err := WriteFits(f, a.cards(), a.current, a.avg, waves, a.Times); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	return nil
}

func (a *Accumulator) cards() []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "SWEEP", Value: a.sweepLabel(), Comment: "1-based sweep number"},
		{Name: "NSWEEPS", Value: a.NumSweeps, Comment: "sweeps in the run"},
	}
	for _, e := range a.metadata {
		if e.Card == "" {
			continue
		}
		v := e.Value
		switch t := v.(type) {
		case int, float64, bool, string:
		case float32:
			v = float64(t)
		default:
			v = fmt.Sprint(t)
		}
		cards = append(cards, fitsio.Card{Name: e.Card, Value: v, Comment: e.Key})
	}
	return cards
}

// WriteFits streams a FITS file holding the current and average dT/T
// matrices, the wavelength axis and the time axis to w
func WriteFits(w io.Writer, metadata []fitsio.Card, current, avg *mat.Dense, waves, times []float64) (err error) {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fits.Close(); err == nil {
			err = cerr
		}
	}()

	rows, cols := current.Dims()
	hdus := []struct {
		name string
		dims []int
		data []float64
		meta []fitsio.Card
	}{
		{"CURRENT", []int{cols, rows}, mat.DenseCopyOf(current).RawMatrix().Data, metadata},
		{"AVERAGE", []int{cols, rows}, mat.DenseCopyOf(avg).RawMatrix().Data, nil},
		{"WAVES", []int{len(waves)}, waves, nil},
		{"TIMES", []int{len(times)}, times, nil},
	}
	for _, h := range hdus {
		im := fitsio.NewImage(-64, h.dims)
		cards := append([]fitsio.Card{{Name: "EXTNAME", Value: h.name}}, h.meta...)
		if err := im.Header().Append(cards...); err != nil {
			im.Close()
			return err
		}
		if err := im.Write(h.data); err != nil {
			im.Close()
			return err
		}
		err = fits.Write(im)
		im.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
