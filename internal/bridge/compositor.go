package bridge

import (
	"fmt"
	"log"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// DefaultPollInterval bounds how long the compositor waits on the queue
// before re-checking the lifecycle flag.
const DefaultPollInterval = 50 * time.Millisecond

// Recorder receives every update the compositor accepted, with its payload
// already decompressed.
type Recorder interface {
	Record(b rdp.BitmapUpdate) error
}

// Compositor drains the update queue into the canvas.
type Compositor struct {
	canvas       *Canvas
	queue        *UpdateQueue
	decompressor rdp.Decompressor
	lifecycle    *Lifecycle
	stats        *Stats
	pollInterval time.Duration
	recorder     Recorder
}

func NewCompositor(canvas *Canvas, queue *UpdateQueue, d rdp.Decompressor, lifecycle *Lifecycle, stats *Stats) *Compositor {
	if stats == nil {
		stats = &Stats{}
	}
	return &Compositor{
		canvas:       canvas,
		queue:        queue,
		decompressor: d,
		lifecycle:    lifecycle,
		stats:        stats,
		pollInterval: DefaultPollInterval,
	}
}

// SetPollInterval overrides DefaultPollInterval. Must be called before Run.
func (c *Compositor) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// SetRecorder attaches a recorder. Must be called before Run.
func (c *Compositor) SetRecorder(r Recorder) {
	c.recorder = r
}

// Apply decodes and merges a single update. Geometry is checked before the
// payload is decompressed, and decompression happens before the canvas lock
// is taken.
func (c *Compositor) Apply(b rdp.BitmapUpdate) error {
	if err := c.canvas.CheckGeometry(b); err != nil {
		return err
	}
	raw := b.Data
	if b.Compressed {
		if c.decompressor == nil {
			return fmt.Errorf("%w: compressed update and no decompressor", ErrInvalidUpdate)
		}
		decoded, err := c.decompressor.Decompress(b)
		if err != nil {
			return fmt.Errorf("%w: decompress: %v", ErrInvalidUpdate, err)
		}
		raw = decoded
	}

	if err := c.canvas.Composite(b, raw); err != nil {
		return err
	}

	if c.recorder != nil {
		rec := b
		rec.Compressed = false
		rec.Data = raw
		if err := c.recorder.Record(rec); err != nil {
			log.Printf("compositor: record update: %v", err)
		}
	}
	return nil
}

// Run merges queued updates until the lifecycle flag clears or the queue is
// closed and drained. An update being merged always completes before the
// flag is checked again.
func (c *Compositor) Run() {
	for c.lifecycle.Running() {
		b, ok, closed := c.queue.Pop(c.pollInterval)
		if closed {
			c.lifecycle.Stop("update queue disconnected")
			return
		}
		if !ok {
			continue
		}
		if err := c.Apply(b); err != nil {
			c.stats.UpdatesRejected.Add(1)
			log.Printf("compositor: dropped %s: %v", b, err)
			continue
		}
		c.stats.UpdatesApplied.Add(1)
	}
}
