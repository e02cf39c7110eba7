package bridge

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// UpdateQueue carries bitmap updates from the ingestor to the compositor in
// emission order. Push never blocks; Pop waits at most a timeout so the
// consumer can keep polling the lifecycle flag.
type UpdateQueue struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool
	notify chan struct{}
}

func NewUpdateQueue() *UpdateQueue {
	return &UpdateQueue{
		items:  queue.New(),
		notify: make(chan struct{}, 1),
	}
}

// Push appends b. It reports false once the queue is closed.
func (q *UpdateQueue) Push(b rdp.BitmapUpdate) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items.Add(b)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest update. ok is false on timeout; closed is true once
// the queue is closed and fully drained.
func (q *UpdateQueue) Pop(timeout time.Duration) (b rdp.BitmapUpdate, ok bool, closed bool) {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			b = q.items.Remove().(rdp.BitmapUpdate)
			q.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return b, true, false
		}
		if q.closed {
			q.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return b, false, true
		}
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-q.notify:
		case <-timer.C:
			return b, false, false
		}
	}
}

// Close marks the producer side as gone. Queued updates can still be popped.
func (q *UpdateQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued updates.
func (q *UpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
