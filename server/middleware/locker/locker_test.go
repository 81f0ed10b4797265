package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beamline-go/beamline/generichttp"
	"github.com/go-chi/chi"
)

type rtHolder struct{ rt generichttp.RouteTable }

func (h rtHolder) RT() generichttp.RouteTable { return h.rt }

func TestLockRejectsWrites(t *testing.T) {
	h := rtHolder{rt: generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/abort"}: func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodGet, Path: "/state"}:  func(w http.ResponseWriter, r *http.Request) {},
	}}
	l := New()
	Inject(h, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	h.RT().Bind(r)

	do := func(method, path, body string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	if code := do(http.MethodPost, "/abort", ""); code != http.StatusOK {
		t.Errorf("expected 200 got %d", code)
	}
	if code := do(http.MethodPost, "/lock", `{"bool":true}`); code != http.StatusOK {
		t.Errorf("expected 200 got %d", code)
	}
	if !l.Locked() {
		t.Fatal("expected locker to be locked")
	}
	if code := do(http.MethodPost, "/abort", ""); code != http.StatusLocked {
		t.Errorf("expected 423 got %d", code)
	}
	if code := do(http.MethodGet, "/state", ""); code != http.StatusOK {
		t.Errorf("expected reads to pass a lock, got %d", code)
	}
	if code := do(http.MethodPost, "/lock", `{"bool":false}`); code != http.StatusOK {
		t.Errorf("expected 200 got %d", code)
	}
	if code := do(http.MethodPost, "/abort", ""); code != http.StatusOK {
		t.Errorf("expected 200 after unlock got %d", code)
	}
}

func TestLockNamesOwner(t *testing.T) {
	l := New()
	r := chi.NewRouter()
	r.Use(l.Check)
	r.Post("/series", func(w http.ResponseWriter, r *http.Request) {})
	r.Post("/lock", l.HTTPSet)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool":true,"str":"run 118"}`)))
	if l.Owner() != "run 118" {
		t.Errorf("expected owner run 118 got %q", l.Owner())
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/series", nil))
	if w.Code != http.StatusLocked || !strings.Contains(w.Body.String(), "run 118") {
		t.Errorf("expected 423 naming the owner, got %d %q", w.Code, w.Body.String())
	}
	l.Unlock()
	if l.Owner() != "" || l.Locked() {
		t.Error("expected unlock to clear the owner")
	}
}
