package bridge

import (
	"errors"
	"log"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// Ingestor pulls events out of the session and queues bitmap updates for
// the compositor.
type Ingestor struct {
	session      *rdp.Guarded
	queue        *UpdateQueue
	lifecycle    *Lifecycle
	stats        *Stats
	pollInterval time.Duration
}

func NewIngestor(session *rdp.Guarded, queue *UpdateQueue, lifecycle *Lifecycle, stats *Stats) *Ingestor {
	if stats == nil {
		stats = &Stats{}
	}
	return &Ingestor{
		session:      session,
		queue:        queue,
		lifecycle:    lifecycle,
		stats:        stats,
		pollInterval: 100 * time.Millisecond,
	}
}

// SetPollInterval bounds a single readiness poll on socket-backed sessions.
// Must be called before Run.
func (in *Ingestor) SetPollInterval(d time.Duration) {
	if d > 0 {
		in.pollInterval = d
	}
}

func (in *Ingestor) handle(ev rdp.Event) {
	switch e := ev.(type) {
	case rdp.BitmapUpdate:
		if in.queue.Push(e) {
			in.stats.UpdatesQueued.Add(1)
		}
	default:
		in.stats.EventsIgnored.Add(1)
		log.Printf("ingest: ignore %s event", ev.Kind())
	}
}

// Run reads the session until the lifecycle flag clears or the session
// fails. A broken session is never retried. On return the queue is closed
// and the flag cleared.
func (in *Ingestor) Run() error {
	defer in.lifecycle.Stop("session reader exited")
	defer in.queue.Close()

	for in.lifecycle.Running() {
		if err := waitReadable(in.session.Session(), in.lifecycle.Done(), in.pollInterval); err != nil {
			if errors.Is(err, errCancelled) {
				return nil
			}
			in.stats.ReadErrors.Add(1)
			log.Printf("ingest: wait for session: %v", err)
			return err
		}
		if !in.lifecycle.Running() {
			return nil
		}

		err := in.session.Read(in.handle)
		if err == nil {
			continue
		}
		if errors.Is(err, rdp.ErrDisconnect) {
			log.Printf("ingest: server asked for disconnect")
			return nil
		}
		if !in.lifecycle.Running() && in.session.IsShutdown() {
			// Read was interrupted by our own shutdown.
			return nil
		}
		in.stats.ReadErrors.Add(1)
		log.Printf("ingest: session read: %v", err)
		return err
	}
	return nil
}
