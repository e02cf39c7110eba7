//go:build unix

package bridge

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollReadable waits with poll(2) in slices of interval so cancel is
// observed between slices. Hang-up and error conditions count as readable:
// the following Read reports them.
func pollReadable(rc syscall.RawConn, cancel <-chan struct{}, interval time.Duration) error {
	timeout := int(interval / time.Millisecond)
	if timeout <= 0 {
		timeout = 1
	}
	for {
		select {
		case <-cancel:
			return errCancelled
		default:
		}

		var (
			ready   bool
			pollErr error
		)
		err := rc.Control(func(fd uintptr) {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
			n, err := unix.Poll(fds, timeout)
			if err != nil {
				if !errors.Is(err, unix.EINTR) {
					pollErr = err
				}
				return
			}
			ready = n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
		})
		if err != nil {
			return err
		}
		if pollErr != nil {
			return pollErr
		}
		if ready {
			return nil
		}
	}
}
