package bridge

import (
	"log"
	"sync/atomic"
)

// Lifecycle is the process-wide running flag. It starts set and is cleared
// exactly once; every loop polls Running at its iteration boundary.
type Lifecycle struct {
	running atomic.Bool
	done    chan struct{}
	reason  atomic.Value // string
}

func NewLifecycle() *Lifecycle {
	l := &Lifecycle{done: make(chan struct{})}
	l.running.Store(true)
	return l
}

// Running reports whether the bridge should keep going.
func (l *Lifecycle) Running() bool {
	return l.running.Load()
}

// Stop clears the flag. It returns true for the single call that performed
// the transition.
func (l *Lifecycle) Stop(reason string) bool {
	if !l.running.CompareAndSwap(true, false) {
		return false
	}
	l.reason.Store(reason)
	log.Printf("lifecycle: stopping (%s)", reason)
	close(l.done)
	return true
}

// Done is closed when the flag clears. Sleeping loops select on it so they
// wake within one polling interval.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Reason returns what cleared the flag, or "" while running.
func (l *Lifecycle) Reason() string {
	r, _ := l.reason.Load().(string)
	return r
}
