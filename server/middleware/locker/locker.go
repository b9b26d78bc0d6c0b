// Package locker provides an HTTP middleware that refuses requests with 423
// (locked) while a lock is held, for example while a run owns the hardware.
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/pumpprobe/tacq/generichttp"
)

// Inject adds GET and POST /lock to other's route table
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a non-blocking lock.  It satisfies sync.Locker, so a run can
// hold it for its duration while HTTP clients are turned away.
type Locker struct {
	held atomic.Bool

	// DoNotProtect lists first path segments that stay reachable while
	// locked, e.g. "status" for /status
	DoNotProtect []string
}

// New returns a Locker leaving "lock" and the unprotected segments open
func New(unprotected ...string) *Locker {
	return &Locker{DoNotProtect: append([]string{"lock"}, unprotected...)}
}

// Lock the locker
func (l *Locker) Lock() {
	l.held.Store(true)
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.held.Store(false)
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	return l.held.Load()
}

func (l *Locker) protects(path string) bool {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	for _, s := range l.DoNotProtect {
		if s == seg {
			return false
		}
	}
	return true
}

// Check is a middleware replying 423 to protected routes while locked
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && l.protects(r.URL.Path) {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks per {"bool": ...} in the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	b := generichttp.BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet replies with Locked() as {"bool": ...}
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
