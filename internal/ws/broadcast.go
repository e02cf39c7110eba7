package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/bridge"
)

// DefaultBroadcastInterval is roughly 30 frames per second.
const DefaultBroadcastInterval = 33 * time.Millisecond

// FrameSource is the canvas as seen by the broadcaster. Version is zero
// until the first composite.
type FrameSource interface {
	Version() uint64
	Snapshot() (bridge.Frame, bool)
}

// Broadcaster periodically snapshots the canvas and fans the encoded frame
// out to every registered client.
type Broadcaster struct {
	source    FrameSource
	registry  *Registry
	lifecycle *bridge.Lifecycle
	interval  time.Duration

	// mu serialises encoding and sending, so each client sees versions in
	// order.
	mu          sync.Mutex
	lastVersion uint64
	lastFrame   []byte

	framesSent atomic.Uint64
	ticks      atomic.Uint64
}

func NewBroadcaster(source FrameSource, registry *Registry, lifecycle *bridge.Lifecycle, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	return &Broadcaster{
		source:    source,
		registry:  registry,
		lifecycle: lifecycle,
		interval:  interval,
	}
}

// encoded returns the wire bytes for the current canvas, re-encoding only
// when the canvas version moved. ok is false before the first composite.
// Callers hold b.mu.
func (b *Broadcaster) encoded() ([]byte, bool) {
	v := b.source.Version()
	if v == 0 {
		return nil, false
	}
	if b.lastFrame != nil && v == b.lastVersion {
		return b.lastFrame, true
	}

	frame, ok := b.source.Snapshot()
	if !ok {
		return nil, false
	}
	b.lastFrame = EncodeFrame(frame)
	b.lastVersion = frame.Version
	return b.lastFrame, true
}

// Tick runs one broadcast round and returns the number of clients served.
func (b *Broadcaster) Tick() int {
	b.ticks.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.encoded()
	if !ok {
		return 0
	}
	n := b.registry.Broadcast(data)
	b.framesSent.Add(uint64(n))
	return n
}

// Welcome sends the latest frame to a newly added client, if there is one.
func (b *Broadcaster) Welcome(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.encoded(); ok {
		b.registry.Send(c, data)
	}
}

// Run ticks until the lifecycle flag clears.
func (b *Broadcaster) Run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for b.lifecycle.Running() {
		select {
		case <-b.lifecycle.Done():
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// FramesSent counts frames queued to clients.
func (b *Broadcaster) FramesSent() uint64 {
	return b.framesSent.Load()
}

// Ticks counts broadcast rounds, including skipped ones.
func (b *Broadcaster) Ticks() uint64 {
	return b.ticks.Load()
}
