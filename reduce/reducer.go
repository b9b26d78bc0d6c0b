package reduce

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/pumpprobe/tacq/mathx"
)

// TriggerNoiseLimit is the largest standard deviation of the absolute
// deviation of the trigger series, in counts, that is still a clean capture.
const TriggerNoiseLimit = 20.0

// ErrNotSeparated is returned by steps that need SeparateOnOff to have run
var ErrNotSeparated = errors.New("shots have not been separated into on and off")

// TriggerConfig selects the pixel carrying the chopper signal and the level
// above which the first shot is considered pump-on.
type TriggerConfig struct {
	Pixel     int     `yaml:"Pixel"`
	Threshold float64 `yaml:"Threshold"`
}

// LinearCorrection holds per-pixel divisors that flatten the even/odd pixel
// readout imbalance of the detector, one vector for each channel.
type LinearCorrection struct {
	Probe     []float64
	Reference []float64
}

// RefManipulation reshapes the reference spectra before they are used to
// normalize the probe.  On the pixel axis x:
//
//	new_x = (x - ScaleCenter)*ScaleFactor + ScaleCenter - HOffset
//	y'    = y*Stretch + VOffset
//
// and y' is resampled at new_x.
type RefManipulation struct {
	Stretch     float64 `yaml:"Stretch"`
	VOffset     float64 `yaml:"VOffset"`
	HOffset     float64 `yaml:"HOffset"`
	ScaleCenter float64 `yaml:"ScaleCenter"`
	ScaleFactor float64 `yaml:"ScaleFactor"`
}

// Cutoff is the half open pixel range [Low, High) considered by the dT/T gate
type Cutoff struct {
	Low  int `yaml:"Low"`
	High int `yaml:"High"`
}

// Background is the averaged pump-on/pump-off spectra of a capture taken with
// the beams blocked.
type Background struct {
	ProbeOn      []float64
	ProbeOff     []float64
	ReferenceOn  []float64
	ReferenceOff []float64
}

// Options configures Reduce.  Nil optional stages are skipped.
type Options struct {
	Trigger TriggerConfig

	// LinearCorrection divides out the even/odd pixel imbalance
	LinearCorrection *LinearCorrection

	// Background is subtracted from the shot arrays
	Background *Background

	// RefManipulation reshapes the reference spectra when non-nil.  Without
	// UseReference only the reported reference spectra change.
	RefManipulation *RefManipulation

	UseReference        bool
	UseAveragedOffShots bool
	Cutoff              Cutoff
	MaxDtt              float64
}

// Quality holds the two data quality flags of a reduction
type Quality struct {
	HighTriggerNoise bool
	HighDtt          bool
}

// Clean is true when no flag tripped
func (q Quality) Clean() bool {
	return !q.HighTriggerNoise && !q.HighDtt
}

// Spectrum is the result of one reduction.  The slices are copies and may be
// retained by the caller.
type Spectrum struct {
	Dtt                []float64
	DttArray           *mat.Dense
	ProbeShotError     []float64
	ReferenceShotError []float64 // nil without referencing
	DttError           []float64 // nil without referencing
	Trigger            []float64

	ProbeOn      []float64
	ProbeOff     []float64
	ReferenceOn  []float64
	ReferenceOff []float64
}

// Reducer holds the intermediate arrays of a reduction.  A Reducer is not
// safe for concurrent use; the acquisition loop owns one per run.
type Reducer struct {
	trigger []float64

	probeOn, probeOff *mat.Dense
	refOn, refOff     *mat.Dense

	probeOnMean, probeOffMean []float64
	refOnMean, refOffMean     []float64

	refdOn, refdOff         *mat.Dense
	refdOnMean, refdOffMean []float64

	dtt      []float64
	dttArray *mat.Dense

	probeErr, refErr, dttErr []float64
}

// NewReducer returns an empty Reducer
func NewReducer() *Reducer {
	return &Reducer{}
}

// SeparateOnOff splits the batch into pump-on and pump-off shot arrays by
// the chopper trigger and reports whether the trigger was noisy.
//
// When tauFlip is set the trigger series is rolled forward by one shot
// before the parity of the first shot is judged, which swaps on and off for
// a generator delay that was wrapped by one laser period.
func (r *Reducer) SeparateOnOff(b *ShotBatch, trig TriggerConfig, tauFlip bool) (bool, error) {
	t, err := b.Trigger(trig.Pixel)
	if err != nil {
		return false, err
	}
	highNoise := triggerStd(t) > TriggerNoiseLimit
	if tauFlip {
		t = mathx.Roll(t, 1)
	}
	r.reset()
	r.trigger = t

	first, second := 0, 1
	if t[0] < trig.Threshold {
		first, second = 1, 0
	}
	r.probeOn = rowsFrom(b.Probe, first)
	r.probeOff = rowsFrom(b.Probe, second)
	r.refOn = rowsFrom(b.Reference, first)
	r.refOff = rowsFrom(b.Reference, second)
	return highNoise, nil
}

// DeriveLinearCorrection computes the even/odd pixel correction from the
// raw window of a batch, typically the background capture: per pixel shot
// means, even pixel k divided by odd pixel k+1, odd pixels 1.
func DeriveLinearCorrection(b *ShotBatch) LinearCorrection {
	return LinearCorrection{
		Probe:     evenOddRatio(colMeans(b.Probe)),
		Reference: evenOddRatio(colMeans(b.Reference)),
	}
}

// ApplyLinearCorrection divides every probe and reference shot by the
// correction vectors
func (r *Reducer) ApplyLinearCorrection(c LinearCorrection) error {
	if r.probeOn == nil {
		return ErrNotSeparated
	}
	_, n := r.probeOn.Dims()
	if len(c.Probe) != n || len(c.Reference) != n {
		return fmt.Errorf("linear correction has %d/%d pixels, data has %d", len(c.Probe), len(c.Reference), n)
	}
	divRows(r.probeOn, c.Probe)
	divRows(r.probeOff, c.Probe)
	divRows(r.refOn, c.Reference)
	divRows(r.refOff, c.Reference)
	return nil
}

// SubtractBackground subtracts the background spectra from every shot
func (r *Reducer) SubtractBackground(bg Background) error {
	if r.probeOn == nil {
		return ErrNotSeparated
	}
	_, n := r.probeOn.Dims()
	for _, s := range [][]float64{bg.ProbeOn, bg.ProbeOff, bg.ReferenceOn, bg.ReferenceOff} {
		if len(s) != n {
			return fmt.Errorf("background has %d pixels, data has %d", len(s), n)
		}
	}
	subRows(r.probeOn, bg.ProbeOn)
	subRows(r.probeOff, bg.ProbeOff)
	subRows(r.refOn, bg.ReferenceOn)
	subRows(r.refOff, bg.ReferenceOff)
	return nil
}

// ManipulateReference stretches, offsets and resamples every reference shot.
// A non-positive Stretch or ScaleFactor is treated as 1.
func (r *Reducer) ManipulateReference(m RefManipulation) error {
	if r.refOn == nil {
		return ErrNotSeparated
	}
	if m.Stretch <= 0 {
		m.Stretch = 1
	}
	if m.ScaleFactor <= 0 {
		m.ScaleFactor = 1
	}
	_, n := r.refOn.Dims()
	x := mathx.Linspace(0, float64(n-1), n, true)
	newX := make([]float64, n)
	for i, v := range x {
		newX[i] = (v-m.ScaleCenter)*m.ScaleFactor + m.ScaleCenter - m.HOffset
	}
	y := make([]float64, n)
	for _, arr := range []*mat.Dense{r.refOn, r.refOff} {
		rows, _ := arr.Dims()
		for i := 0; i < rows; i++ {
			row := arr.RawRowView(i)
			for j, v := range row {
				y[j] = v*m.Stretch + m.VOffset
			}
			out, err := mathx.Interp(newX, x, y)
			if err != nil {
				return err
			}
			copy(row, out)
		}
	}
	return nil
}

// AverageShots computes the mean on and off spectra of both channels
func (r *Reducer) AverageShots() error {
	if r.probeOn == nil {
		return ErrNotSeparated
	}
	r.probeOnMean = colMeans(r.probeOn)
	r.probeOffMean = colMeans(r.probeOff)
	r.refOnMean = colMeans(r.refOn)
	r.refOffMean = colMeans(r.refOff)
	return nil
}

// CorrectProbeWithReference divides each probe shot by its reference shot
// and averages the results
func (r *Reducer) CorrectProbeWithReference() error {
	if r.probeOn == nil {
		return ErrNotSeparated
	}
	r.refdOn = new(mat.Dense)
	r.refdOn.DivElem(r.probeOn, r.refOn)
	r.refdOff = new(mat.Dense)
	r.refdOff.DivElem(r.probeOff, r.refOff)
	r.refdOnMean = colMeans(r.refdOn)
	r.refdOffMean = colMeans(r.refdOff)
	return nil
}

// ComputeDtt computes (on - off)/off per shot pair and its mean over pairs.
// The denominator is the mean off spectrum when useAveragedOffShots is set,
// otherwise the off shot of the same pair.  It returns true when the largest
// finite |dT/T| inside cutoff exceeds maxDtt.
func (r *Reducer) ComputeDtt(useReference bool, cutoff Cutoff, useAveragedOffShots bool, maxDtt float64) (bool, error) {
	on, off, offMean := r.probeOn, r.probeOff, r.probeOffMean
	if useReference {
		on, off, offMean = r.refdOn, r.refdOff, r.refdOffMean
	}
	if on == nil || offMean == nil {
		return false, fmt.Errorf("dT/T needs averaged shots: %w", ErrNotSeparated)
	}
	rows, cols := on.Dims()
	arr := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		onRow, offRow, out := on.RawRowView(i), off.RawRowView(i), arr.RawRowView(i)
		for j := range out {
			denom := offRow[j]
			if useAveragedOffShots {
				denom = offMean[j]
			}
			out[j] = (onRow[j] - offRow[j]) / denom
		}
	}
	r.dttArray = arr
	r.dtt = colMeans(arr)

	lo := clampInt(cutoff.Low, 0, cols)
	hi := clampInt(cutoff.High, lo, cols)
	peak, ok := mathx.MaxAbsFinite(r.dtt[lo:hi])
	return ok && peak > maxDtt, nil
}

// ComputeError computes the per-pixel shot-to-shot noise of the probe and,
// when referencing, of the reference and of the referenced off shots.
func (r *Reducer) ComputeError(useReference, useAveragedOffShots bool) error {
	if r.probeOnMean == nil {
		return fmt.Errorf("errors need averaged shots: %w", ErrNotSeparated)
	}
	r.refErr, r.dttErr = nil, nil
	if !useReference {
		r.probeErr = colStds(relDiff(r.probeOn, r.probeOff, nil, nil))
		return nil
	}
	if useAveragedOffShots {
		r.probeErr = colStds(relDiff(r.probeOn, r.probeOff, r.probeOnMean, r.probeOffMean))
		r.refErr = colStds(relDiffMeanOff(r.refOn, r.refOffMean))
	} else {
		r.probeErr = colStds(relDiff(r.probeOn, r.probeOff, nil, nil))
		r.refErr = colStds(relDiff(r.refOn, r.refOff, nil, nil))
	}
	if r.refdOff != nil {
		r.dttErr = colStds(r.refdOff)
	}
	return nil
}

// Reduce runs the full reduction of one batch.  tauFlip is the flag returned
// by the delay device for the point the batch was taken at.
func (r *Reducer) Reduce(b *ShotBatch, opts Options, tauFlip bool) (Spectrum, Quality, error) {
	var q Quality
	noisy, err := r.SeparateOnOff(b, opts.Trigger, tauFlip)
	if err != nil {
		return Spectrum{}, q, err
	}
	q.HighTriggerNoise = noisy
	if opts.LinearCorrection != nil {
		if err := r.ApplyLinearCorrection(*opts.LinearCorrection); err != nil {
			return Spectrum{}, q, err
		}
	}
	if opts.Background != nil {
		if err := r.SubtractBackground(*opts.Background); err != nil {
			return Spectrum{}, q, err
		}
	}
	if opts.RefManipulation != nil {
		if err := r.ManipulateReference(*opts.RefManipulation); err != nil {
			return Spectrum{}, q, err
		}
	}
	if err := r.AverageShots(); err != nil {
		return Spectrum{}, q, err
	}
	if opts.UseReference {
		if err := r.CorrectProbeWithReference(); err != nil {
			return Spectrum{}, q, err
		}
	}
	q.HighDtt, err = r.ComputeDtt(opts.UseReference, opts.Cutoff, opts.UseAveragedOffShots, opts.MaxDtt)
	if err != nil {
		return Spectrum{}, q, err
	}
	if err := r.ComputeError(opts.UseReference, opts.UseAveragedOffShots); err != nil {
		return Spectrum{}, q, err
	}
	return r.Spectrum(), q, nil
}

// ReduceBackground separates and averages a background capture.  The
// trigger is never flipped for a background.
func (r *Reducer) ReduceBackground(b *ShotBatch, trig TriggerConfig, lc *LinearCorrection) (Background, error) {
	if _, err := r.SeparateOnOff(b, trig, false); err != nil {
		return Background{}, err
	}
	if lc != nil {
		if err := r.ApplyLinearCorrection(*lc); err != nil {
			return Background{}, err
		}
	}
	if err := r.AverageShots(); err != nil {
		return Background{}, err
	}
	return Background{
		ProbeOn:      clone(r.probeOnMean),
		ProbeOff:     clone(r.probeOffMean),
		ReferenceOn:  clone(r.refOnMean),
		ReferenceOff: clone(r.refOffMean),
	}, nil
}

// Spectrum returns a copy of the latest results
func (r *Reducer) Spectrum() Spectrum {
	s := Spectrum{
		Dtt:                clone(r.dtt),
		ProbeShotError:     clone(r.probeErr),
		ReferenceShotError: clone(r.refErr),
		DttError:           clone(r.dttErr),
		Trigger:            clone(r.trigger),
		ProbeOn:            clone(r.probeOnMean),
		ProbeOff:           clone(r.probeOffMean),
		ReferenceOn:        clone(r.refOnMean),
		ReferenceOff:       clone(r.refOffMean),
	}
	if r.dttArray != nil {
		s.DttArray = mat.DenseCopyOf(r.dttArray)
	}
	return s
}

func (r *Reducer) reset() {
	*r = Reducer{}
}

// triggerStd is the population std dev of |t - mean(t)|.  A clean chopper
// trigger swings between two levels symmetric about the mean, so this stays
// near zero however large the swing.
func triggerStd(t []float64) float64 {
	mean := stat.Mean(t, nil)
	dev := make([]float64, len(t))
	for i, v := range t {
		dev[i] = math.Abs(v - mean)
	}
	_, std := stat.PopMeanStdDev(dev, nil)
	return std
}

// rowsFrom takes every other row of m starting at start
func rowsFrom(m *mat.Dense, start int) *mat.Dense {
	rows, cols := m.Dims()
	n := (rows - start + 1) / 2
	out := mat.NewDense(n, cols, nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, m.RawRowView(start+2*i))
	}
	return out
}

func colMeans(m *mat.Dense) []float64 {
	_, cols := m.Dims()
	out := make([]float64, cols)
	for j := range out {
		out[j] = stat.Mean(mat.Col(nil, j, m), nil)
	}
	return out
}

func colStds(m *mat.Dense) []float64 {
	_, cols := m.Dims()
	out := make([]float64, cols)
	for j := range out {
		_, out[j] = stat.PopMeanStdDev(mat.Col(nil, j, m), nil)
	}
	return out
}

// relDiff computes 2(on - off)/(on + off) per shot.  If onMean and offMean
// are given the denominator uses them instead of the shot values.
func relDiff(on, off *mat.Dense, onMean, offMean []float64) *mat.Dense {
	rows, cols := on.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		a, b, o := on.RawRowView(i), off.RawRowView(i), out.RawRowView(i)
		for j := range o {
			denom := a[j] + b[j]
			if onMean != nil {
				denom = onMean[j] + offMean[j]
			}
			o[j] = 2 * (a[j] - b[j]) / denom
		}
	}
	return out
}

// relDiffMeanOff computes 2(on - offMean)/(on + offMean) per shot
func relDiffMeanOff(on *mat.Dense, offMean []float64) *mat.Dense {
	rows, cols := on.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		a, o := on.RawRowView(i), out.RawRowView(i)
		for j := range o {
			o[j] = 2 * (a[j] - offMean[j]) / (a[j] + offMean[j])
		}
	}
	return out
}

func evenOddRatio(means []float64) []float64 {
	out := make([]float64, len(means))
	for i := range out {
		out[i] = 1
	}
	for k := 0; k+1 < len(means); k += 2 {
		out[k] = means[k] / means[k+1]
	}
	return out
}

func divRows(m *mat.Dense, v []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Div(m.RawRowView(i), v)
	}
}

func subRows(m *mat.Dense, v []float64) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		floats.Sub(m.RawRowView(i), v)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clone(s []float64) []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
