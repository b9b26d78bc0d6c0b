package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pumpprobe/tacq/acquire"
	"github.com/pumpprobe/tacq/camera"
	"github.com/pumpprobe/tacq/delay"
	"github.com/pumpprobe/tacq/pi"
	"github.com/pumpprobe/tacq/reduce"
	"github.com/pumpprobe/tacq/srs"
	"github.com/pumpprobe/tacq/sweep"
	"github.com/pumpprobe/tacq/timefile"
)

// DelaySetup selects and addresses the delay device
type DelaySetup struct {
	// Type is one of pi-long, pi-short, dg645, mock-stage, mock-generator
	Type string `yaml:"Type" koanf:"Type"`

	// Addr is the network or serial address, e.g. 192.168.1.20:50000 or /dev/ttyUSB0
	Addr   string `yaml:"Addr" koanf:"Addr"`
	Serial bool   `yaml:"Serial" koanf:"Serial"`

	// T0 is time zero in the device's units
	T0 float64 `yaml:"T0" koanf:"T0"`

	// Velocity overrides the stage preset when nonzero, mm/s
	Velocity float64 `yaml:"Velocity" koanf:"Velocity"`
}

// CameraSetup selects the detector
type CameraSetup struct {
	// Type is sim; hardware detectors are driven by their own servers
	Type string `yaml:"Type" koanf:"Type"`

	// Seed, Response and Noise shape the simulator
	Seed     int64   `yaml:"Seed" koanf:"Seed"`
	Response float64 `yaml:"Response" koanf:"Response"`
	Noise    float64 `yaml:"Noise" koanf:"Noise"`
}

// Config is the contents of tacq.yml
type Config struct {
	// Addr is the HTTP listen address
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Root is the data folder; runs go to Root/yyyy-mm-dd/Name
	Root string `yaml:"Root" koanf:"Root"`
	Name string `yaml:"Name" koanf:"Name"`

	// Catalog is the SQLite run index, empty to disable
	Catalog string `yaml:"Catalog" koanf:"Catalog"`

	Times timefile.Config `yaml:"Times" koanf:"Times"`

	NumShots             int `yaml:"NumShots" koanf:"NumShots"`
	NumSweeps            int `yaml:"NumSweeps" koanf:"NumSweeps"`
	DarkCorrectionFactor int `yaml:"DarkCorrectionFactor" koanf:"DarkCorrectionFactor"`
	Pixels               int `yaml:"Pixels" koanf:"Pixels"`

	Trigger reduce.TriggerConfig `yaml:"Trigger" koanf:"Trigger"`

	UseLinearCorrection bool `yaml:"UseLinearCorrection" koanf:"UseLinearCorrection"`
	UseReference        bool `yaml:"UseReference" koanf:"UseReference"`
	UseAveragedOffShots bool `yaml:"UseAveragedOffShots" koanf:"UseAveragedOffShots"`

	UseRefManipulation bool                   `yaml:"UseRefManipulation" koanf:"UseRefManipulation"`
	RefManipulation    reduce.RefManipulation `yaml:"RefManipulation" koanf:"RefManipulation"`

	UseCutoff bool          `yaml:"UseCutoff" koanf:"UseCutoff"`
	Cutoff    reduce.Cutoff `yaml:"Cutoff" koanf:"Cutoff"`

	MaxDtt     float64 `yaml:"MaxDtt" koanf:"MaxDtt"`
	MaxRetakes int     `yaml:"MaxRetakes" koanf:"MaxRetakes"`
	DryRun     bool    `yaml:"DryRun" koanf:"DryRun"`

	Calibration acquire.Calibration `yaml:"Calibration" koanf:"Calibration"`

	FITS         bool `yaml:"FITS" koanf:"FITS"`
	Plots        bool `yaml:"Plots" koanf:"Plots"`
	KineticPixel int  `yaml:"KineticPixel" koanf:"KineticPixel"`

	// DiagTime is where diag parks the delay
	DiagTime float64 `yaml:"DiagTime" koanf:"DiagTime"`

	Notes map[string]string `yaml:"Notes" koanf:"Notes"`

	Delay  DelaySetup  `yaml:"Delay" koanf:"Delay"`
	Camera CameraSetup `yaml:"Camera" koanf:"Camera"`
}

// defaults is the configuration before tacq.yml is read
func defaults() Config {
	return Config{
		Addr:    ":8000",
		Root:    "data",
		Name:    "run",
		Catalog: "tacq.db",
		Times: timefile.Config{
			Distribution: "linear",
			Start:        -5,
			End:          20,
			Points:       26,
		},
		NumShots:             200,
		NumSweeps:            5,
		DarkCorrectionFactor: 10,
		Pixels:               1000,
		Trigger:              reduce.TriggerConfig{Pixel: 0, Threshold: 2000},
		UseReference:         true,
		RefManipulation:      reduce.RefManipulation{Stretch: 1, ScaleFactor: 1},
		Cutoff:               reduce.Cutoff{Low: 0, High: 1000},
		MaxDtt:               1,
		MaxRetakes:           50,
		Calibration:          acquire.Calibration{PixelLow: 0, PixelHigh: 999, WaveLow: 400, WaveHigh: 800},
		FITS:                 true,
		Plots:                true,
		KineticPixel:         500,
		Notes:                map[string]string{},
		Delay:                DelaySetup{Type: "mock-stage"},
		Camera:               CameraSetup{Type: "sim", Seed: 1, Response: 0.01, Noise: 20},
	}
}

// acquisition turns the file configuration into a run configuration
func (c Config) acquisition(dev delay.Device, now time.Time) (acquire.Config, error) {
	times, err := c.Times.Times()
	if err != nil {
		return acquire.Config{}, err
	}
	var rm *reduce.RefManipulation
	if c.UseRefManipulation {
		m := c.RefManipulation
		rm = &m
	}
	return acquire.Config{
		Times:                times,
		NumShots:             c.NumShots,
		NumSweeps:            c.NumSweeps,
		DarkCorrectionFactor: c.DarkCorrectionFactor,
		Pixels:               c.Pixels,
		Trigger:              c.Trigger,
		UseLinearCorrection:  c.UseLinearCorrection,
		UseReference:         c.UseReference,
		UseAveragedOffShots:  c.UseAveragedOffShots,
		RefManipulation:      rm,
		UseCutoff:            c.UseCutoff,
		Cutoff:               c.Cutoff,
		MaxDtt:               c.MaxDtt,
		MaxRetakes:           c.MaxRetakes,
		DryRun:               c.DryRun,
		Calibration:          c.Calibration,
		Output: sweep.Output{
			Dir:          sweep.RunDir(c.Root, c.Name, now),
			Name:         c.Name,
			FITS:         c.FITS,
			Plots:        c.Plots,
			KineticPixel: c.KineticPixel,
		},
		DelayType:  c.Delay.Type + " (" + dev.Units() + ")",
		CameraType: c.Camera.Type,
		Notes:      c.Notes,
	}, nil
}

// BuildDelay returns the delay device named by s.Delay.Type
func BuildDelay(s DelaySetup, log *zap.Logger) (delay.Device, error) {
	opt := delay.WithLogger(log.Named("delay"))
	stage := func(axis delay.Axis, preset delay.StageConfig) delay.Device {
		preset.T0 = s.T0
		if s.Velocity > 0 {
			preset.Velocity = s.Velocity
		}
		return delay.NewStage(axis, preset, opt)
	}
	switch strings.ToLower(s.Type) {
	case "pi-long", "long":
		return stage(pi.NewController(s.Addr, s.Serial, true), delay.LongStage), nil
	case "pi-short", "short":
		return stage(pi.NewController(s.Addr, s.Serial, true), delay.ShortStage), nil
	case "dg645", "srs", "generator":
		return delay.NewGenerator(srs.NewDG645(s.Addr, s.Serial, true), s.T0, opt), nil
	case "mock-stage", "mock":
		cfg := delay.LongStage
		cfg.Timeout = 10 * time.Second
		return stage(pi.NewMockController(0, 300), cfg), nil
	case "mock-generator":
		return delay.NewGenerator(srs.NewMock(), s.T0, opt), nil
	default:
		return nil, fmt.Errorf("delay type %q not understood", s.Type)
	}
}

// BuildCamera returns the detector named by s.Type, windowed to pixels
func BuildCamera(s CameraSetup, pixels int, trig reduce.TriggerConfig) (camera.LineCamera, error) {
	switch strings.ToLower(s.Type) {
	case "sim", "simulator":
		sim := camera.NewSimulator(s.Seed)
		sim.PixelCount = pixels
		sim.Width = sim.FirstPixel + pixels + 16
		sim.TriggerPixel = trig.Pixel
		sim.Noise = s.Noise
		sim.ShotTime = time.Millisecond
		resp := s.Response
		sim.SetResponse(func(px int) float64 {
			// a gaussian band across the window
			x := (float64(px) - float64(pixels)/2) / (float64(pixels) / 8)
			return resp * math.Exp(-x*x/2)
		})
		return sim, nil
	default:
		return nil, fmt.Errorf("camera type %q not understood", s.Type)
	}
}
