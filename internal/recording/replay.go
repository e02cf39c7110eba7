package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

var errReplayClosed = errors.New("replay: session closed")

// Replay is a session that plays a recording back with its original pacing.
// End of the recording is a graceful disconnect. Input is counted and
// dropped.
type Replay struct {
	speed float64

	mu      sync.Mutex
	r       *Reader
	start   time.Time
	next    *Entry
	eof     bool
	readErr error

	writes    atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

// NewReplay plays r back. speed scales time; values <= 0 mean real time.
// The replay owns r and closes it on Shutdown.
func NewReplay(r *Reader, speed float64) *Replay {
	if speed <= 0 {
		speed = 1
	}
	return &Replay{
		r:      r,
		speed:  speed,
		closed: make(chan struct{}),
	}
}

func init() {
	rdp.Register("replay", rdp.ConnectorFunc(func(_ context.Context, s rdp.Settings) (rdp.Session, error) {
		if s.Source == "" {
			return nil, errors.New("replay: no recording given")
		}
		r, err := Open(s.Source)
		if err != nil {
			return nil, err
		}
		if r.Header.Width != s.Width || r.Header.Height != s.Height {
			r.Close()
			return nil, fmt.Errorf("replay: recording is %dx%d, screen is %dx%d",
				r.Header.Width, r.Header.Height, s.Width, s.Height)
		}
		return NewReplay(r, 1), nil
	}))
}

// peekLocked loads the next entry if none is buffered.
func (p *Replay) peekLocked() {
	if p.start.IsZero() {
		p.start = time.Now()
	}
	if p.next != nil || p.eof || p.readErr != nil {
		return
	}
	e, err := p.r.Next()
	switch {
	case errors.Is(err, io.EOF):
		p.eof = true
	case err != nil:
		p.readErr = err
	default:
		p.next = &e
	}
}

func (p *Replay) dueLocked(e *Entry) time.Time {
	return p.start.Add(time.Duration(float64(e.At) / p.speed))
}

// WaitReadable blocks until the next entry is due. The end of the
// recording and read errors count as readable so Read can report them.
func (p *Replay) WaitReadable(cancel <-chan struct{}) error {
	select {
	case <-p.closed:
		return nil
	default:
	}

	p.mu.Lock()
	p.peekLocked()
	if p.next == nil {
		p.mu.Unlock()
		return nil
	}
	wait := time.Until(p.dueLocked(p.next))
	p.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-p.closed:
		return nil
	case <-cancel:
		return rdp.ErrWaitCancelled
	case <-timer.C:
		return nil
	}
}

// Read emits every entry that is due.
func (p *Replay) Read(fn func(rdp.Event)) error {
	select {
	case <-p.closed:
		return errReplayClosed
	default:
	}

	p.mu.Lock()
	var due []rdp.Event
	now := time.Now()
	for {
		p.peekLocked()
		if p.next == nil || p.dueLocked(p.next).After(now) {
			break
		}
		due = append(due, p.next.Update)
		p.next = nil
	}
	eof, err := p.eof && p.next == nil, p.readErr
	p.mu.Unlock()

	for _, ev := range due {
		fn(ev)
	}
	if err != nil {
		return err
	}
	if eof {
		return rdp.ErrDisconnect
	}
	return nil
}

func (p *Replay) Write(rdp.Event) error {
	select {
	case <-p.closed:
		return errReplayClosed
	default:
	}
	p.writes.Add(1)
	return nil
}

func (p *Replay) Shutdown() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		err = p.r.Close()
		p.mu.Unlock()
	})
	return err
}

// Writes reports how many input events were dropped.
func (p *Replay) Writes() int64 {
	return p.writes.Load()
}
