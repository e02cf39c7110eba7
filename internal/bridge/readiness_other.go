//go:build !unix

package bridge

import (
	"syscall"
	"time"
)

// pollReadable has no portable implementation outside unix; Read blocks
// instead and Shutdown interrupts it.
func pollReadable(_ syscall.RawConn, cancel <-chan struct{}, _ time.Duration) error {
	select {
	case <-cancel:
		return errCancelled
	default:
		return nil
	}
}
