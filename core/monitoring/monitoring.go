// Package monitoring forwards failures that have no caller to return to,
// such as auto-accept timers or MQTT callbacks, to an error tracker.
package monitoring

import (
	"fmt"
	"sync"
	"time"
)

// Report is one failure raised by a background component.
type Report struct {
	Component string
	Err       error
	Tags      map[string]string
}

// Reporter ships reports to a backend.
type Reporter interface {
	Report(r Report)
	// Flush waits for buffered reports and reports whether it finished in time.
	Flush(timeout time.Duration) bool
}

// Nop discards reports.
type Nop struct{}

func (Nop) Report(Report)            {}
func (Nop) Flush(time.Duration) bool { return true }

var (
	mu      sync.RWMutex
	current Reporter = Nop{}
)

// Use installs r as the process reporter and returns a func restoring the
// previous one. A nil r installs Nop.
func Use(r Reporter) (restore func()) {
	if r == nil {
		r = Nop{}
	}
	mu.Lock()
	prev := current
	current = r
	mu.Unlock()
	return func() { Use(prev) }
}

func reporter() Reporter {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Capture reports err for component. kv holds tag key/value pairs; a trailing
// key without value is dropped.
func Capture(component string, err error, kv ...string) {
	if err == nil {
		return
	}
	var tags map[string]string
	if len(kv) > 1 {
		tags = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			tags[kv[i]] = kv[i+1]
		}
	}
	reporter().Report(Report{Component: component, Err: err, Tags: tags})
}

// Recover reports a panic of the calling goroutine and panics again. It must
// be deferred.
func Recover(component string) {
	r := recover()
	if r == nil {
		return
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", r)
	}
	rep := reporter()
	rep.Report(Report{Component: component, Err: err, Tags: map[string]string{"panic": "true"}})
	rep.Flush(2 * time.Second)
	panic(r)
}

// Flush drains the current reporter.
func Flush(timeout time.Duration) bool { return reporter().Flush(timeout) }
