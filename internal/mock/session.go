// Package mock provides a synthetic session engine. It paints an animated
// test screen and reflects pointer and key input so the whole bridge can be
// exercised without a remote host.
package mock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// Pattern selects how the synthetic screen evolves.
type Pattern string

const (
	// PatternSweep repaints one tile per tick, row by row.
	PatternSweep Pattern = "sweep"
	// PatternBurst repaints a run of tiles every few ticks.
	PatternBurst Pattern = "burst"
	// PatternStall alternates active periods with quiet ones.
	PatternStall Pattern = "stall"
)

var errClosed = errors.New("mock: session closed")

type Options struct {
	Width    int
	Height   int
	Interval time.Duration
	Pattern  Pattern
	TileSize int
	// Compress ships every other update lz4-compressed.
	Compress bool
	// DisconnectAfter ends the session gracefully after that many ticks.
	DisconnectAfter int
	Seed            int64
}

// Session is a synthetic rdp.Session.
type Session struct {
	opts Options

	mu       sync.Mutex
	tick     int
	next     time.Time
	pending  []rdp.Event
	emitted  int
	hue      uint32
	writes   int
	cursorX  uint16
	cursorY  uint16
	rng      *rand.Rand
	finished bool

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func New(opts Options) (*Session, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.Width > 0xFFFF || opts.Height > 0xFFFF {
		return nil, fmt.Errorf("mock: invalid screen size %dx%d", opts.Width, opts.Height)
	}
	if opts.Interval <= 0 {
		opts.Interval = 50 * time.Millisecond
	}
	if opts.TileSize <= 0 {
		opts.TileSize = 64
	}
	switch opts.Pattern {
	case "":
		opts.Pattern = PatternSweep
	case PatternSweep, PatternBurst, PatternStall:
	default:
		return nil, fmt.Errorf("mock: unknown pattern %q", opts.Pattern)
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Session{
		opts:   opts,
		next:   time.Now(),
		rng:    rand.New(rand.NewSource(opts.Seed)),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}, nil
}

func init() {
	rdp.Register("mock", rdp.ConnectorFunc(func(_ context.Context, s rdp.Settings) (rdp.Session, error) {
		return New(Options{
			Width:    s.Width,
			Height:   s.Height,
			Pattern:  Pattern(s.Source),
			Compress: true,
		})
	}))
}

// Decompressor decodes the lz4 payloads this session emits.
func (s *Session) Decompressor() rdp.Decompressor {
	return rdp.CodecDecompressor{Codec: rdp.CodecLZ4}
}

// WaitReadable blocks until the next tick is due or input is waiting to be
// reflected.
func (s *Session) WaitReadable(cancel <-chan struct{}) error {
	for {
		s.mu.Lock()
		ready := len(s.pending) > 0 || !time.Now().Before(s.next)
		wait := time.Until(s.next)
		s.mu.Unlock()
		if ready {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.closed:
			timer.Stop()
			// Read reports the closure.
			return nil
		case <-cancel:
			timer.Stop()
			return rdp.ErrWaitCancelled
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Session) Read(fn func(rdp.Event)) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return rdp.ErrDisconnect
	}
	events := s.pending
	s.pending = nil
	if now := time.Now(); !now.Before(s.next) {
		s.tick++
		s.next = now.Add(s.opts.Interval)
		events = append(events, s.advanceLocked()...)
		if s.opts.DisconnectAfter > 0 && s.tick >= s.opts.DisconnectAfter {
			s.finished = true
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		fn(ev)
	}
	return nil
}

func (s *Session) Write(ev rdp.Event) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}

	s.mu.Lock()
	s.writes++
	switch e := ev.(type) {
	case rdp.PointerEvent:
		if e.Button == rdp.ButtonWheel {
			s.hue += uint32(e.Delta)
			break
		}
		s.cursorX, s.cursorY = e.X, e.Y
		s.pending = append(s.pending, s.cursorLocked(e.Button != rdp.ButtonNone && e.Down))
	case rdp.KeyEvent:
		if e.Down {
			s.hue += uint32(e.Code) * 8
		}
	default:
		s.mu.Unlock()
		return fmt.Errorf("mock: cannot write %s event", ev.Kind())
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) Shutdown() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Writes reports how many input events the session accepted.
func (s *Session) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Ticks reports how many ticks have elapsed.
func (s *Session) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

func (s *Session) advanceLocked() []rdp.Event {
	if s.tick == 1 {
		w, h := s.opts.Width, s.opts.Height
		return []rdp.Event{s.bitmapLocked(0, 0, w, h, s.background)}
	}

	var events []rdp.Event
	switch s.opts.Pattern {
	case PatternSweep:
		events = append(events, s.tileLocked(s.tick))
	case PatternBurst:
		if s.tick%8 < 3 {
			n := 2 + s.rng.Intn(6)
			for i := 0; i < n; i++ {
				events = append(events, s.tileLocked(s.rng.Intn(1<<20)))
			}
		}
	case PatternStall:
		// Work for 40 ticks, stay quiet for 30.
		if s.tick%70 < 40 {
			events = append(events, s.tileLocked(s.tick))
		}
	}

	if s.tick%50 == 0 {
		events = append(events, rdp.OtherEvent{Name: "mock-heartbeat"})
	}
	return events
}

// tileLocked repaints tile n (modulo the tile count) in row-major order.
func (s *Session) tileLocked(n int) rdp.Event {
	size := s.opts.TileSize
	cols := (s.opts.Width + size - 1) / size
	rows := (s.opts.Height + size - 1) / size
	n %= cols * rows

	left, top := (n%cols)*size, (n/cols)*size
	w := min(size, s.opts.Width-left)
	h := min(size, s.opts.Height-top)
	return s.bitmapLocked(left, top, w, h, s.gradient)
}

// cursorLocked paints a small square at the last pointer position, white
// while a button is held.
func (s *Session) cursorLocked(pressed bool) rdp.Event {
	const size = 8
	w := min(size, s.opts.Width)
	h := min(size, s.opts.Height)
	left := min(int(s.cursorX), s.opts.Width-w)
	top := min(int(s.cursorY), s.opts.Height-h)

	color := uint32(0xFF808080)
	if pressed {
		color = 0xFFFFFFFF
	}
	return s.bitmapLocked(left, top, w, h, func(int, int) uint32 { return color })
}

func (s *Session) background(x, y int) uint32 {
	return 0xFF000000 | uint32(x*255/s.opts.Width)<<16 | uint32(y*255/s.opts.Height)<<8
}

// gradient is blocky in 8x8 cells so tiles compress.
func (s *Session) gradient(x, y int) uint32 {
	t := uint32(s.tick)
	cx, cy := uint32(x/8)*16, uint32(y/8)*16
	return 0xFF000000 | (cx+t*4+s.hue)&0xFF<<16 | (cy+s.hue)&0xFF<<8 | (t*3)&0xFF
}

func (s *Session) bitmapLocked(left, top, w, h int, color func(x, y int) uint32) rdp.BitmapUpdate {
	raw := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint32(raw[(y*w+x)*4:], color(left+x, top+y))
		}
	}

	b := rdp.BitmapUpdate{
		Left:         uint16(left),
		Top:          uint16(top),
		Right:        uint16(left + w - 1),
		Bottom:       uint16(top + h - 1),
		Width:        uint16(w),
		Height:       uint16(h),
		BitsPerPixel: 32,
		Data:         raw,
	}

	s.emitted++
	if s.opts.Compress && s.emitted%2 == 0 {
		if packed, err := rdp.Compress(raw, rdp.CodecLZ4); err == nil {
			b.Data = packed
			b.Compressed = true
		}
	}
	return b
}
