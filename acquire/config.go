package acquire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pumpprobe/tacq/reduce"
	"github.com/pumpprobe/tacq/sweep"
)

// Calibration maps pixels to wavelengths linearly through two known points
type Calibration struct {
	PixelLow  float64 `yaml:"PixelLow"`
	PixelHigh float64 `yaml:"PixelHigh"`
	WaveLow   float64 `yaml:"WaveLow"`
	WaveHigh  float64 `yaml:"WaveHigh"`
}

// Waves returns the wavelength of each of n pixels
func (c Calibration) Waves(n int) []float64 {
	slope := (c.WaveHigh - c.WaveLow) / (c.PixelHigh - c.PixelLow)
	icpt := c.WaveLow - slope*c.PixelLow
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)*slope + icpt
	}
	return out
}

// Config is everything a run needs.  It is copied into the run when the run
// starts; nothing reads it live afterwards.
type Config struct {
	// Times is the delay time list, in the units of the delay device
	Times []float64

	NumShots  int
	NumSweeps int

	// DarkCorrectionFactor multiplies NumShots for the background capture
	DarkCorrectionFactor int

	// Pixels is the active pixel count of the detector
	Pixels int

	Trigger reduce.TriggerConfig

	// UseLinearCorrection derives the even/odd pixel correction from the
	// background capture and applies it to every batch
	UseLinearCorrection bool

	UseReference        bool
	UseAveragedOffShots bool

	// RefManipulation is applied to the reference spectra when non-nil
	RefManipulation *reduce.RefManipulation

	// Cutoff bounds the dT/T gate when UseCutoff is set, otherwise every
	// pixel is gated
	UseCutoff bool
	Cutoff    reduce.Cutoff

	// MaxDtt is the largest |dT/T| accepted inside the cutoff
	MaxDtt float64

	// MaxRetakes bounds consecutive retakes at one time point; 0 is unbounded
	MaxRetakes int

	// DryRun skips the background and saves nothing
	DryRun bool

	Calibration Calibration

	// Output locates the saved files; Output.Dir is the run folder
	Output sweep.Output

	// DelayType and CameraType are recorded in the metadata
	DelayType  string
	CameraType string

	// Notes are free form operator entries such as the pump power
	Notes map[string]string
}

// Validate checks the configuration before anything moves
func (c Config) Validate() error {
	var errs []error
	if len(c.Times) == 0 {
		errs = append(errs, errors.New("no time points"))
	}
	if c.NumShots < 2 || c.NumShots%2 != 0 {
		errs = append(errs, fmt.Errorf("shot count must be even and at least 2, got %d", c.NumShots))
	}
	if c.NumSweeps < 1 {
		errs = append(errs, fmt.Errorf("sweep count must be positive, got %d", c.NumSweeps))
	}
	if c.DarkCorrectionFactor < 1 {
		errs = append(errs, fmt.Errorf("dark correction factor must be positive, got %d", c.DarkCorrectionFactor))
	}
	if c.Pixels < 1 {
		errs = append(errs, fmt.Errorf("pixel count must be positive, got %d", c.Pixels))
	}
	if c.UseCutoff && (c.Cutoff.High <= c.Cutoff.Low || c.Cutoff.Low < 0 || c.Cutoff.High > c.Pixels) {
		errs = append(errs, fmt.Errorf("cutoff [%d, %d) is not a window of %d pixels", c.Cutoff.Low, c.Cutoff.High, c.Pixels))
	}
	if c.Calibration.PixelHigh == c.Calibration.PixelLow {
		errs = append(errs, errors.New("calibration pixels must differ"))
	}
	if c.MaxRetakes < 0 {
		errs = append(errs, fmt.Errorf("max retakes must not be negative, got %d", c.MaxRetakes))
	}
	if !c.DryRun && c.Output.Dir == "" {
		errs = append(errs, errors.New("no output folder"))
	}
	return errors.Join(errs...)
}

// clone returns a copy sharing nothing mutable with c
func (c Config) clone() Config {
	out := c
	out.Times = append([]float64(nil), c.Times...)
	if c.RefManipulation != nil {
		rm := *c.RefManipulation
		out.RefManipulation = &rm
	}
	out.Notes = make(map[string]string, len(c.Notes))
	for k, v := range c.Notes {
		out.Notes[k] = v
	}
	return out
}

// cutoff is the gated pixel window
func (c Config) cutoff() reduce.Cutoff {
	if c.UseCutoff {
		return c.Cutoff
	}
	return reduce.Cutoff{Low: 0, High: c.Pixels}
}

// options builds the reduction options for a point.  bg and lc are nil
// when the stage is off.
func (c Config) options(bg *reduce.Background, lc *reduce.LinearCorrection) reduce.Options {
	o := reduce.Options{
		Trigger:             c.Trigger,
		LinearCorrection:    lc,
		Background:          bg,
		UseReference:        c.UseReference,
		UseAveragedOffShots: c.UseAveragedOffShots,
		Cutoff:              c.cutoff(),
		MaxDtt:              math.Abs(c.MaxDtt),
		RefManipulation:     c.RefManipulation,
	}
	return o
}

// metadata lists the run parameters written with every sweep.  t0 is "n/a"
// for devices without a time zero.
func (c Config) metadata(runID string, t0 interface{}, units string, now time.Time) sweep.Metadata {
	rm := reduce.RefManipulation{Stretch: 1, ScaleFactor: 1}
	if c.RefManipulation != nil {
		rm = *c.RefManipulation
	}
	cut := c.cutoff()
	md := sweep.Metadata{
		{Key: "run id", Card: "RUNID", Value: runID},
		{Key: "date (yyyy-mm-dd)", Card: "DATE", Value: now.Format("2006-01-02")},
		{Key: "camera type", Card: "CAMERA", Value: c.CameraType},
		{Key: "delay type", Card: "DELAYTYP", Value: c.DelayType},
		{Key: "time zero", Card: "T0", Value: t0},
		{Key: "time units", Card: "TUNIT", Value: units},
		{Key: "num shots", Card: "NSHOTS", Value: c.NumShots},
		{Key: "dark correction shot factor", Card: "DCFACTOR", Value: c.DarkCorrectionFactor},
		{Key: "calib pixel low", Card: "CALPIXLO", Value: c.Calibration.PixelLow},
		{Key: "calib pixel high", Card: "CALPIXHI", Value: c.Calibration.PixelHigh},
		{Key: "calib wavelength low", Card: "CALWAVLO", Value: c.Calibration.WaveLow},
		{Key: "calib wavelength high", Card: "CALWAVHI", Value: c.Calibration.WaveHigh},
		{Key: "use cutoff", Card: "CUTOFF", Value: c.UseCutoff},
		{Key: "cutoff pixel low", Card: "CUTLO", Value: cut.Low},
		{Key: "cutoff pixel high", Card: "CUTHI", Value: cut.High},
		{Key: "use reference", Card: "USEREF", Value: c.UseReference},
		{Key: "avg off shots", Card: "AVGOFF", Value: c.UseAveragedOffShots},
		{Key: "use linear correction", Card: "LINCORR", Value: c.UseLinearCorrection},
		{Key: "use ref manip", Card: "REFMANIP", Value: c.RefManipulation != nil},
		{Key: "ref manip vertical stretch", Card: "RMSTRTCH", Value: rm.Stretch},
		{Key: "ref manip vertical offset", Card: "RMVOFF", Value: rm.VOffset},
		{Key: "ref manip horizontal offset", Card: "RMHOFF", Value: rm.HOffset},
		{Key: "ref manip scale centre", Card: "RMCENTER", Value: rm.ScaleCenter},
		{Key: "ref manip scale factor", Card: "RMSCALE", Value: rm.ScaleFactor},
		{Key: "trigger pixel", Card: "TRIGPIX", Value: c.Trigger.Pixel},
		{Key: "trigger threshold", Card: "TRIGTHR", Value: c.Trigger.Threshold},
		{Key: "max dtt", Card: "MAXDTT", Value: math.Abs(c.MaxDtt)},
	}
	for k, v := range c.Notes {
		md = append(md, sweep.Entry{Key: k, Value: v})
	}
	return md
}
