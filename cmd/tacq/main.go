package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"

	"github.com/pumpprobe/tacq/acquire"
	"github.com/pumpprobe/tacq/catalog"
	"github.com/pumpprobe/tacq/delay"
	"github.com/pumpprobe/tacq/generichttp"
	"github.com/pumpprobe/tacq/server"
	"github.com/pumpprobe/tacq/timefile"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "tacq.yml"
	k              = koanf.New(".")
	verbose        bool
)

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func logger() *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return l
}

func root() {
	str := `tacq acquires pump-probe transient absorption data.  For each delay time a
line camera captures alternating pump-on and pump-off shots, which are reduced
to a dT/T spectrum and averaged over repeated sweeps of the time list.

Usage:
	tacq [-v] <command>

Commands:
	run
	diag
	times
	home
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `tacq is amenable to configuration via its .yaml file, tacq.yml in the
working directory.  "tacq mkconf" writes the defaults there.

run    references the delay device, takes a background with the beams blocked
       and sweeps the time list NumSweeps times, saving each sweep under
       Root/yyyy-mm-dd/Name.  Ctrl+C stops at the next completed capture.
diag   parks the delay at DiagTime and captures continuously without saving.
       Use POST /delay/time, /delay/jog and /delay/t0 to move it.
times  prints the time list.
home   references the delay device and sends the stage to its home position.

While run or diag is active the HTTP interface listens on Addr:
	GET  /status, /spectrum, /average, /endpoints
	POST /stop
	GET/POST /delay/time, POST /delay/jog, POST /delay/t0
	GET/POST /lock
	GET  /runs, /runs/{id}, /runs/{id}/sweeps, /runs/{id}/sweeps/{n}/{file}

Delay "Type" fields, case insensitive:
- PI
	> long travel stage on a Hydra "pi-long"
	> short travel stage "pi-short"
- SRS
	> DG645 delay generator "dg645"
- Simulated
	> "mock-stage", "mock-generator"

Camera "Type" fields:
	> simulated line camera "sim"`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("tacq version %v\n", Version)
}

func printtimes() {
	c := loadconfig()
	ts, err := c.Times.Times()
	if err != nil {
		log.Fatal(err)
	}
	if err := timefile.Write(os.Stdout, ts); err != nil {
		log.Fatal(err)
	}
}

// spin runs f behind a spinner
func spin(msg string, f func() error) error {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return f()
	}
	s.Start()
	if err := f(); err != nil {
		s.StopFailMessage(err.Error())
		s.StopFail()
		return err
	}
	s.Stop()
	return nil
}

// prompt waits for the operator to press Enter
func prompt(ctx context.Context, msg string) error {
	fmt.Printf("%s, then press Enter\n", msg)
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(os.Stdin).ReadString('\n')
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initialize brings the delay device to Ready
func initialize(ctx context.Context, dev delay.Device) error {
	return spin("initializing delay", func() error {
		return dev.Initialize(ctx)
	})
}

func home() {
	c := loadconfig()
	l := logger()
	defer l.Sync()
	dev, err := BuildDelay(c.Delay, l)
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := initialize(ctx, dev); err != nil {
		log.Fatal(err)
	}
	st, ok := dev.(*delay.Stage)
	if !ok {
		fmt.Println("delay device has no home position")
		return
	}
	if err := spin("homing", func() error { return st.Home(ctx) }); err != nil {
		log.Fatal(err)
	}
}

// session is everything run and diag share
type session struct {
	cfg  Config
	log  *zap.Logger
	dev  delay.Device
	ctrl *acquire.Controller
	cat  *catalog.Catalog
	srv  *http.Server
}

func open() *session {
	c := loadconfig()
	l := logger()
	dev, err := BuildDelay(c.Delay, l)
	if err != nil {
		log.Fatal(err)
	}
	cam, err := BuildCamera(c.Camera, c.Pixels, c.Trigger)
	if err != nil {
		log.Fatal(err)
	}
	s := &session{cfg: c, log: l, dev: dev}
	lock := acquire.NewRunLock()
	lock.DoNotProtect = append(lock.DoNotProtect, "runs")
	opts := []acquire.Option{
		acquire.WithLogger(l.Named("acquire")),
		acquire.WithPrompter(prompt),
		acquire.WithRunLock(lock),
	}
	if c.Catalog != "" {
		s.cat, err = catalog.Open(c.Catalog)
		if err != nil {
			log.Fatal(err)
		}
		opts = append(opts, acquire.WithCatalog(s.cat))
	}
	s.ctrl = acquire.NewController(dev, cam, opts...)
	var extra []generichttp.HTTPer
	if s.cat != nil {
		extra = append(extra, server.NewArchive(s.cat, l.Named("archive")))
	}
	r := acquire.NewRouter(s.ctrl, lock, extra...)
	s.srv = &http.Server{Addr: c.Addr, Handler: r}
	go func() {
		l.Info("now listening for requests", zap.String("addr", c.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("http server", zap.Error(err))
		}
	}()
	return s
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
	if s.cat != nil {
		s.cat.Close()
	}
	s.dev.Close()
	s.log.Sync()
}

// acquire runs f with Ctrl+C translated into a stop of the controller
func (s *session) acquire(f func(ctx context.Context, cfg acquire.Config) error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := initialize(ctx, s.dev); err != nil {
		s.close()
		log.Fatal(err)
	}
	cfg, err := s.cfg.acquisition(s.dev, time.Now())
	if err != nil {
		s.close()
		log.Fatal(err)
	}
	err = f(ctx, cfg)
	s.close()
	if err != nil {
		log.Fatal(err)
	}
}

func run() {
	s := open()
	s.acquire(s.ctrl.Run)
}

func diag() {
	s := open()
	s.acquire(func(ctx context.Context, cfg acquire.Config) error {
		return s.ctrl.Diagnostics(ctx, cfg, s.cfg.DiagTime)
	})
}

func main() {
	var cmd string
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "-v" {
		verbose = true
		args = args[1:]
	}
	if len(args) == 0 {
		root()
		return
	}
	setupconfig()
	cmd = args[0]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "diag":
		diag()
		return
	case "times":
		printtimes()
		return
	case "home":
		home()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
