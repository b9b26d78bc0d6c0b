// Package server exposes the run archive over HTTP: the catalog of runs and
// sweeps, and the files each sweep wrote.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/pumpprobe/tacq/catalog"
	"github.com/pumpprobe/tacq/generichttp"
)

// ReplyWithFile replies to the client request by serving fn from fldr.
// fn may not leave fldr.
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) error {
	if fn != filepath.Base(fn) {
		http.Error(w, fmt.Sprintf("bad file name %s", fn), http.StatusBadRequest)
		return fmt.Errorf("bad file name %s", fn)
	}
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	f, err := os.Open(filePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", fn), http.StatusNotFound)
		return err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
	return nil
}

// Archive serves the catalog read-only
type Archive struct {
	cat *catalog.Catalog
	log *zap.Logger

	RouteTable generichttp.RouteTable
}

// NewArchive returns an Archive with its routes populated.  log may be nil.
func NewArchive(cat *catalog.Catalog, log *zap.Logger) Archive {
	if log == nil {
		log = zap.NewNop()
	}
	a := Archive{cat: cat, log: log, RouteTable: generichttp.RouteTable{}}
	rt := a.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/runs"}] = a.listRuns
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/runs/{id}"}] = a.getRun
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/runs/{id}/sweeps"}] = a.listSweeps
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/runs/{id}/sweeps/{sweep}/{file}"}] = a.getFile
	return a
}

// RT satisfies generichttp.HTTPer
func (a Archive) RT() generichttp.RouteTable {
	return a.RouteTable
}

func (a Archive) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.cat.Runs()
	if err != nil {
		a.log.Error("listing runs", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []catalog.Run{}
	}
	generichttp.RespondJSON(w, runs)
}

// run replies with the error and returns false when the run cannot be found
func (a Archive) run(w http.ResponseWriter, id string) (catalog.Run, bool) {
	run, err := a.cat.Run(id)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, catalog.ErrNoRun) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return run, false
	}
	return run, true
}

func (a Archive) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := a.run(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	generichttp.RespondJSON(w, run)
}

func (a Archive) listSweeps(w http.ResponseWriter, r *http.Request) {
	run, ok := a.run(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	sweeps, err := a.cat.Sweeps(run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sweeps == nil {
		sweeps = []catalog.Sweep{}
	}
	generichttp.RespondJSON(w, sweeps)
}

// getFile serves a file recorded for the sweep; anything else is 404
func (a Archive) getFile(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "sweep"))
	if err != nil {
		http.Error(w, "sweep must be an integer", http.StatusBadRequest)
		return
	}
	run, ok := a.run(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	sweeps, err := a.cat.Sweeps(run.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fn := chi.URLParam(r, "file")
	for _, s := range sweeps {
		if s.Sweep != n {
			continue
		}
		for _, p := range s.Files {
			if filepath.Base(p) == fn {
				if err := ReplyWithFile(w, r, fn, filepath.Dir(p)); err != nil {
					a.log.Warn("serving sweep file", zap.String("file", p), zap.Error(err))
				}
				return
			}
		}
	}
	http.Error(w, fmt.Sprintf("%s not recorded for sweep %d", fn, n), http.StatusNotFound)
}
