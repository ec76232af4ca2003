package authstub

import (
	"net/http"
	"sync"

	"github.com/tendant/simple-idm-session/internal/httputil"
)

// Fault makes the stub misbehave on one path.
type Fault struct {
	// Status, when set, is returned instead of running the handler.
	Status  int
	Code    string
	Message string
	// Drop closes the connection without writing a response.
	Drop bool
	// Wait holds the request until the channel is closed or the client
	// goes away. The request then proceeds with the remaining fault fields.
	Wait <-chan struct{}
	// Times limits how many requests the fault applies to. Zero means
	// until cleared.
	Times int
}

// faultSet keeps path faults and per-path request counts.
type faultSet struct {
	mu     sync.Mutex
	faults map[string]*Fault
	calls  map[string]int
}

func newFaultSet() *faultSet {
	return &faultSet{
		faults: make(map[string]*Fault),
		calls:  make(map[string]int),
	}
}

func (f *faultSet) inject(path string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[path] = &fault
}

func (f *faultSet) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*Fault)
}

func (f *faultSet) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

// take records a request to path and returns the fault to apply, if any.
func (f *faultSet) take(path string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[path]++
	fault, ok := f.faults[path]
	if !ok {
		return Fault{}, false
	}
	applied := *fault
	if fault.Times > 0 {
		fault.Times--
		if fault.Times == 0 {
			delete(f.faults, path)
		}
	}
	return applied, true
}

// middleware applies injected faults ahead of the routed handler.
func (f *faultSet) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fault, ok := f.take(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if fault.Wait != nil {
			select {
			case <-fault.Wait:
			case <-r.Context().Done():
				return
			}
		}

		switch {
		case fault.Drop:
			conn, _, err := http.NewResponseController(w).Hijack()
			if err != nil {
				httputil.Error(w, http.StatusInternalServerError, "connection cannot be dropped")
				return
			}
			_ = conn.Close()
		case fault.Status != 0:
			message := fault.Message
			if message == "" {
				message = http.StatusText(fault.Status)
			}
			httputil.ErrorCode(w, fault.Status, fault.Code, message)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
