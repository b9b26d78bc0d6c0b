package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/pumpprobe/tacq/generichttp"
	"github.com/pumpprobe/tacq/reduce"
	"github.com/pumpprobe/tacq/server/middleware/locker"
)

// HTTP exposes a Controller over HTTP
type HTTP struct {
	c          *Controller
	RouteTable generichttp.RouteTable
}

// NewHTTP returns the route table for c
func NewHTTP(c *Controller) HTTP {
	h := HTTP{c: c, RouteTable: generichttp.RouteTable{}}
	rt := h.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = h.getStatus
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = generichttp.Action(func() error {
		c.Stop()
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/spectrum"}] = h.getSpectrum
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/average"}] = h.getAverage
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/delay/time"}] = generichttp.GetFloat(func() (float64, error) {
		return c.CurrentTime(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/delay/time"}] = h.setFloat(c.MoveTo)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/delay/jog"}] = h.setFloat(c.Jog)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/delay/t0"}] = func(w http.ResponseWriter, r *http.Request) {
		h.reply(w, c.SetCurrentAsTimeZero(r.Context()))
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h HTTP) RT() generichttp.RouteTable {
	return h.RouteTable
}

// NewRouter builds a router for c whose delay routes are locked by lock
// while a run holds it.  Pass the same lock to WithRunLock.  The routes of
// extra are served alongside and listed by /endpoints.
func NewRouter(c *Controller, lock *locker.Locker, extra ...generichttp.HTTPer) chi.Router {
	h := NewHTTP(c)
	locker.Inject(h, lock)
	for _, e := range extra {
		for mp, f := range e.RT() {
			h.RouteTable[mp] = f
		}
	}
	r := chi.NewRouter()
	r.Use(lock.Check)
	h.RT().Bind(r)
	return r
}

// NewRunLock returns a locker that leaves the read-only and stop routes open
func NewRunLock() *locker.Locker {
	return locker.New("status", "stop", "spectrum", "average", "endpoints")
}

func (h HTTP) getStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.c.Status())
}

// spectrumPayload is the latest reduction as sent to clients
type spectrumPayload struct {
	Waves              generichttp.Floats `json:"waves"`
	Dtt                generichttp.Floats `json:"dtt"`
	ProbeShotError     generichttp.Floats `json:"probeShotError"`
	ReferenceShotError generichttp.Floats `json:"referenceShotError,omitempty"`
	DttError           generichttp.Floats `json:"dttError,omitempty"`
	Trigger            generichttp.Floats `json:"trigger"`
	ProbeOn            generichttp.Floats `json:"probeOn"`
	ReferenceOn        generichttp.Floats `json:"referenceOn"`
	Quality            reduce.Quality     `json:"quality"`
}

func (h HTTP) getSpectrum(w http.ResponseWriter, r *http.Request) {
	s, q, ok := h.c.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.c.mu.Lock()
	waves := append([]float64(nil), h.c.waves...)
	h.c.mu.Unlock()
	generichttp.RespondJSON(w, spectrumPayload{
		Waves:              waves,
		Dtt:                s.Dtt,
		ProbeShotError:     s.ProbeShotError,
		ReferenceShotError: s.ReferenceShotError,
		DttError:           s.DttError,
		Trigger:            s.Trigger,
		ProbeOn:            s.ProbeOn,
		ReferenceOn:        s.ReferenceOn,
		Quality:            q,
	})
}

func (h HTTP) getAverage(w http.ResponseWriter, r *http.Request) {
	waves, times, avg := h.c.Average()
	if avg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rows, _ := avg.Dims()
	dtt := make([]generichttp.Floats, rows)
	for i := range dtt {
		dtt[i] = avg.RawRowView(i)
	}
	generichttp.RespondJSON(w, struct {
		Waves generichttp.Floats   `json:"waves"`
		Times generichttp.Floats   `json:"times"`
		Dtt   []generichttp.Floats `json:"dtt"`
	}{waves, times, dtt})
}

func (h HTTP) setFloat(fcn func(ctx context.Context, f float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := generichttp.FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.reply(w, fcn(r.Context(), f.F64))
	}
}

// reply maps controller errors onto status codes
func (h HTTP) reply(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotDiagnosing), errors.Is(err, errQueueFull):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNoTimeZero):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
