// Package locker guards a beamline subsystem against changes while an
// experiment owns it.  A locked subsystem answers every write with 423
// (locked) and keeps serving reads, so the detector or the feedback loop can
// be watched but not disturbed.
package locker

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/beamline-go/beamline/generichttp"
	"github.com/beamline-go/beamline/server"
)

// Inject serves the lock of a subsystem at /lock on its route table
func Inject(h generichttp.HTTPer, l *Locker) {
	rt := h.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is the lock of one subsystem.  Taking it never blocks.
type Locker struct {
	mu     sync.RWMutex
	locked bool
	owner  string

	// Exempt lists path suffixes which stay writable while locked
	Exempt []string
}

// New returns an unlocked Locker whose /lock route is exempt
func New() *Locker {
	return &Locker{Exempt: []string{"/lock"}}
}

// Lock takes the lock on behalf of owner, which may be empty
func (l *Locker) Lock(owner string) {
	l.mu.Lock()
	l.locked, l.owner = true, owner
	l.mu.Unlock()
}

// Unlock releases the lock
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.locked, l.owner = false, ""
	l.mu.Unlock()
}

// Locked reports whether the lock is held
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked
}

// Owner is who holds the lock, empty when unlocked or not given
func (l *Locker) Owner() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.owner
}

func (l *Locker) exempt(path string) bool {
	for _, suffix := range l.Exempt {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// Check is middleware rejecting writes with 423 while the lock is held
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
		if readOnly || !l.Locked() || l.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		msg := "subsystem is locked"
		if owner := l.Owner(); owner != "" {
			msg = fmt.Sprintf("subsystem is locked by %s", owner)
		}
		http.Error(w, msg, http.StatusLocked)
	})
}

// lockBody is {"bool": true, "str": "owner"}; str is optional
type lockBody struct {
	Bool bool   `json:"bool"`
	Str  string `json:"str"`
}

// HTTPSet takes or releases the lock
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Bool {
		l.Lock(body.Str)
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet sends {"bool": locked}
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
