package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/bridge"
	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Width == 0 {
		opts.Width, opts.Height = 100, 70
	}
	if opts.Interval == 0 {
		opts.Interval = time.Millisecond
	}
	opts.Seed = 1
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s
}

// readTick waits for the session and returns the events of one Read.
func readTick(t *testing.T, s *Session) []rdp.Event {
	t.Helper()
	cancel := make(chan struct{})
	timer := time.AfterFunc(2*time.Second, func() { close(cancel) })
	defer timer.Stop()
	if err := s.WaitReadable(cancel); err != nil {
		t.Fatalf("WaitReadable: %v", err)
	}
	var events []rdp.Event
	if err := s.Read(func(ev rdp.Event) { events = append(events, ev) }); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return events
}

func TestNew_RejectsBadOptions(t *testing.T) {
	for _, opts := range []Options{
		{Width: 0, Height: 10},
		{Width: 10, Height: -1},
		{Width: 70000, Height: 10},
		{Width: 10, Height: 10, Pattern: "zigzag"},
	} {
		if _, err := New(opts); err == nil {
			t.Errorf("New(%+v) succeeded", opts)
		}
	}
}

func TestSession_FirstTickPaintsWholeScreen(t *testing.T) {
	s := newTestSession(t, Options{})

	events := readTick(t, s)
	if len(events) != 1 {
		t.Fatalf("first tick produced %d events, want 1", len(events))
	}
	b, ok := events[0].(rdp.BitmapUpdate)
	if !ok {
		t.Fatalf("first event is %T", events[0])
	}
	if b.Left != 0 || b.Top != 0 || b.Right != 99 || b.Bottom != 69 || b.Compressed {
		t.Errorf("background update = %v", b)
	}
	if len(b.Data) != 100*70*4 {
		t.Errorf("payload = %d bytes", len(b.Data))
	}
}

// TestSession_UpdatesCompositeCleanly runs the session output through a real
// canvas, including the compressed updates.
func TestSession_UpdatesCompositeCleanly(t *testing.T) {
	for _, p := range []Pattern{PatternSweep, PatternBurst, PatternStall} {
		t.Run(string(p), func(t *testing.T) {
			s := newTestSession(t, Options{Pattern: p, Compress: true, TileSize: 32})
			canvas, err := bridge.NewCanvas(100, 70)
			if err != nil {
				t.Fatal(err)
			}
			d := s.Decompressor()

			compressed := 0
			for i := 0; i < 60; i++ {
				for _, ev := range readTick(t, s) {
					b, ok := ev.(rdp.BitmapUpdate)
					if !ok {
						continue
					}
					raw := b.Data
					if b.Compressed {
						compressed++
						if raw, err = d.Decompress(b); err != nil {
							t.Fatalf("Decompress: %v", err)
						}
					}
					if err := canvas.Composite(b, raw); err != nil {
						t.Fatalf("Composite %v: %v", b, err)
					}
				}
			}
			if compressed == 0 {
				t.Error("no compressed updates emitted")
			}
		})
	}
}

func TestSession_ReflectsPointer(t *testing.T) {
	s := newTestSession(t, Options{Interval: time.Hour})
	readTick(t, s) // background

	if err := s.Write(rdp.PointerEvent{X: 98, Y: 10, Button: rdp.ButtonLeft, Down: true}); err != nil {
		t.Fatal(err)
	}
	events := readTick(t, s)
	if len(events) != 1 {
		t.Fatalf("got %d events after pointer write, want 1", len(events))
	}
	b := events[0].(rdp.BitmapUpdate)
	// Clamped so the square stays on screen.
	if b.Left != 92 || b.Top != 10 || b.Right != 99 || b.Bottom != 17 {
		t.Errorf("cursor update = %v", b)
	}
	if b.Data[0] != 0xFF || b.Data[1] != 0xFF {
		t.Errorf("pressed cursor not white: % x", b.Data[:4])
	}

	if err := s.Write(rdp.KeyEvent{Code: 30, Down: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(rdp.OtherEvent{Name: "x"}); err == nil {
		t.Error("Write accepted an unsupported event")
	}
	if s.Writes() != 3 {
		t.Errorf("Writes = %d, want 3", s.Writes())
	}
}

func TestSession_DisconnectAfter(t *testing.T) {
	s := newTestSession(t, Options{DisconnectAfter: 3})
	for i := 0; i < 3; i++ {
		readTick(t, s)
	}
	if err := s.Read(func(rdp.Event) {}); !errors.Is(err, rdp.ErrDisconnect) {
		t.Fatalf("Read after limit = %v, want ErrDisconnect", err)
	}
}

func TestSession_ShutdownUnblocksWait(t *testing.T) {
	s := newTestSession(t, Options{Interval: time.Hour})
	readTick(t, s)

	done := make(chan error, 1)
	go func() { done <- s.WaitReadable(make(chan struct{})) }()
	time.Sleep(10 * time.Millisecond)
	s.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitReadable = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitReadable still blocked after Shutdown")
	}
	if err := s.Read(func(rdp.Event) {}); err == nil {
		t.Error("Read after Shutdown succeeded")
	}
}

func TestSession_CancelWait(t *testing.T) {
	s := newTestSession(t, Options{Interval: time.Hour})
	readTick(t, s)

	cancel := make(chan struct{})
	close(cancel)
	if err := s.WaitReadable(cancel); !errors.Is(err, rdp.ErrWaitCancelled) {
		t.Fatalf("WaitReadable = %v, want ErrWaitCancelled", err)
	}
}

func TestRegisteredEngine(t *testing.T) {
	sess, err := rdp.Connect(context.Background(), "mock", rdp.Settings{Width: 64, Height: 48, Source: "burst"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Shutdown()

	m, ok := sess.(*Session)
	if !ok {
		t.Fatalf("Connect returned %T", sess)
	}
	if m.opts.Pattern != PatternBurst || !m.opts.Compress {
		t.Errorf("opts = %+v", m.opts)
	}
	if _, ok := sess.(rdp.DecompressorProvider); !ok {
		t.Error("mock session does not provide a decompressor")
	}
}
