package locker_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pumpprobe/tacq/server/middleware/locker"
)

func TestCheck(t *testing.T) {
	l := locker.New("status")
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := l.Check(ok)
	cases := []struct {
		path   string
		locked bool
		code   int
	}{
		{"/delay/time", false, http.StatusOK},
		{"/delay/time", true, http.StatusLocked},
		{"/status", true, http.StatusOK},
		{"/lock", true, http.StatusOK},
		{"/statusbar", true, http.StatusLocked},
		{"/delay/status", true, http.StatusLocked},
	}
	for _, c := range cases {
		if c.locked {
			l.Lock()
		} else {
			l.Unlock()
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, c.path, nil))
		if w.Code != c.code {
			t.Errorf("%s locked=%v: expected %d got %d", c.path, c.locked, c.code, w.Code)
		}
	}
}
