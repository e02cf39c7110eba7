package bridge

import (
	"syscall"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// errCancelled is returned by a readiness wait interrupted by shutdown.
var errCancelled = rdp.ErrWaitCancelled

// syscallConner is implemented by sessions backed by a socket.
type syscallConner interface {
	SyscallConn() (syscall.RawConn, error)
}

// waitReadable blocks until a Read on sess will not block or cancel closes.
// Sessions without a readiness capability return immediately and rely on
// Shutdown to interrupt Read.
func waitReadable(sess rdp.Session, cancel <-chan struct{}, interval time.Duration) error {
	switch s := sess.(type) {
	case rdp.ReadyWaiter:
		return s.WaitReadable(cancel)
	case syscallConner:
		rc, err := s.SyscallConn()
		if err != nil {
			return err
		}
		return pollReadable(rc, cancel, interval)
	default:
		select {
		case <-cancel:
			return errCancelled
		default:
			return nil
		}
	}
}
