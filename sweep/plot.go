package sweep

import (
	"fmt"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// KineticPlotPath is the PNG SavePlots writes for the kinetic trace
func (a *Accumulator) KineticPlotPath() string {
	return a.path(fmt.Sprintf("kinetic_%d.png", a.sweepLabel()))
}

// SpectrumPlotPath is the PNG SavePlots writes for the spectrum
func (a *Accumulator) SpectrumPlotPath() string {
	return a.path(fmt.Sprintf("spectrum_%d.png", a.sweepLabel()))
}

// SavePlots draws the average kinetic trace at the configured pixel and the
// average spectrum at the last delay time, one PNG each
func (a *Accumulator) SavePlots(waves []float64) error {
	if len(waves) != a.pixels || len(a.Times) == 0 {
		return &SaveError{Path: a.KineticPlotPath(), Err: fmt.Errorf("%d wavelengths for %d pixels", len(waves), a.pixels)}
	}
	if err := os.MkdirAll(a.out.Dir, 0777); err != nil {
		return &SaveError{Path: a.KineticPlotPath(), Err: err}
	}
	px := a.out.KineticPixel
	if px < 0 || px >= a.pixels {
		px = a.pixels / 2
	}
	kin := make([]float64, len(a.Times))
	for i := range a.Times {
		kin[i] = a.avg.At(i, px)
	}
	title := fmt.Sprintf("%s sweep %d", a.out.Name, a.sweepLabel())
	err := linePlot(a.KineticPlotPath(), title+fmt.Sprintf(", %g", waves[px]), "delay time", "dT/T", a.Times, kin)
	if err != nil {
		return err
	}
	last := a.avg.RawRowView(len(a.Times) - 1)
	return linePlot(a.SpectrumPlotPath(), title+fmt.Sprintf(", t=%g", a.Times[len(a.Times)-1]), "wavelength", "dT/T", waves, last)
}

func linePlot(path, title, xlabel, ylabel string, x, y []float64) error {
	pts := make(plotter.XYs, 0, len(x))
	for i := range x {
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: x[i], Y: y[i]})
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())
	if len(pts) > 0 {
		l, err := plotter.NewLine(pts)
		if err != nil {
			return &SaveError{Path: path, Err: err}
		}
		p.Add(l)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return &SaveError{Path: path, Err: err}
	}
	return nil
}
