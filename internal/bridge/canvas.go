package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// pixelSize is the width in bytes of one canvas pixel word.
const pixelSize = 4

// ErrInvalidUpdate marks a bitmap update whose geometry or payload does not
// fit the canvas. The update is dropped and the canvas left untouched.
var ErrInvalidUpdate = errors.New("invalid bitmap update")

// Frame is an immutable copy of the canvas.
type Frame struct {
	Width   int
	Height  int
	Version uint64
	Pixels  []uint32
}

// Canvas is the fixed-size pixel buffer that mirrors the remote screen.
// Dimensions never change after NewCanvas.
type Canvas struct {
	width  int
	height int

	mu      sync.Mutex
	pixels  []uint32
	version uint64 // number of successful composites
}

// NewCanvas allocates a width x height canvas.
func NewCanvas(width, height int) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("canvas size %dx%d: width and height must be positive", width, height)
	}
	if width > 0xFFFF || height > 0xFFFF {
		return nil, fmt.Errorf("canvas size %dx%d: exceeds 65535", width, height)
	}
	return &Canvas{
		width:  width,
		height: height,
		pixels: make([]uint32, width*height),
	}, nil
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }

// Version returns the number of updates composited so far.
func (c *Canvas) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Snapshot clones the canvas. ok is false until the first composite, so an
// empty buffer is never published.
func (c *Canvas) Snapshot() (f Frame, ok bool) {
	c.mu.Lock()
	if c.version == 0 {
		c.mu.Unlock()
		return Frame{}, false
	}
	pixels := make([]uint32, len(c.pixels))
	copy(pixels, c.pixels)
	version := c.version
	c.mu.Unlock()

	return Frame{Width: c.width, Height: c.height, Version: version, Pixels: pixels}, true
}

// maxStridePadding is how far a source row may extend past the canvas
// width. Servers pad bitmap rows, never by more than a few pixels.
const maxStridePadding = 64

// rowCopy is one validated destination/source run.
type rowCopy struct {
	dst, src int
}

// CheckGeometry validates the rectangle and source stride of b against the
// canvas without looking at the payload. It bounds the decoded payload size
// at (Bottom-Top+1)*Width pixels, so it must pass before anything is
// decompressed.
func (c *Canvas) CheckGeometry(b rdp.BitmapUpdate) error {
	left, top := int(b.Left), int(b.Top)
	right, bottom := int(b.Right), int(b.Bottom)
	stride := int(b.Width)

	if right < left || bottom < top {
		return fmt.Errorf("%w: inverted rectangle %d,%d..%d,%d", ErrInvalidUpdate, left, top, right, bottom)
	}
	if right >= c.width || bottom >= c.height {
		return fmt.Errorf("%w: rectangle %d,%d..%d,%d outside %dx%d canvas",
			ErrInvalidUpdate, left, top, right, bottom, c.width, c.height)
	}
	if stride == 0 {
		return fmt.Errorf("%w: zero source width", ErrInvalidUpdate)
	}
	if stride > c.width+maxStridePadding {
		return fmt.Errorf("%w: source width %d exceeds canvas width %d", ErrInvalidUpdate, stride, c.width)
	}
	return nil
}

// plan validates b against the canvas and a payload of n pixels and returns
// the row copies to perform. Nothing is returned unless every row fits.
func (c *Canvas) plan(b rdp.BitmapUpdate, n int) ([]rowCopy, int, error) {
	if err := c.CheckGeometry(b); err != nil {
		return nil, 0, err
	}
	left, top, bottom := int(b.Left), int(b.Top), int(b.Bottom)
	stride := int(b.Width)

	run := int(b.Right) - left + 1
	total := c.width * c.height
	rows := make([]rowCopy, 0, bottom-top+1)
	for r := top; r <= bottom; r++ {
		dst := r*c.width + left
		src := (r - top) * stride
		if dst+run > total {
			return nil, 0, fmt.Errorf("%w: row %d destination %d+%d exceeds canvas %d", ErrInvalidUpdate, r, dst, run, total)
		}
		if src+run > n {
			return nil, 0, fmt.Errorf("%w: row %d source %d+%d exceeds payload %d pixels", ErrInvalidUpdate, r, src, run, n)
		}
		rows = append(rows, rowCopy{dst: dst, src: src})
	}
	return rows, run, nil
}

// Composite merges raw little-endian pixel words into the canvas at the
// rectangle described by b. raw must already be decompressed. On any error
// the canvas is unchanged.
func (c *Canvas) Composite(b rdp.BitmapUpdate, raw []byte) error {
	if len(raw)%pixelSize != 0 {
		return fmt.Errorf("%w: payload length %d is not a multiple of %d", ErrInvalidUpdate, len(raw), pixelSize)
	}
	words := bytesToPixels(raw)

	rows, run, err := c.plan(b, len(words))
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, rc := range rows {
		copy(c.pixels[rc.dst:rc.dst+run], words[rc.src:rc.src+run])
	}
	c.version++
	c.mu.Unlock()
	return nil
}

// bytesToPixels converts a payload whose length is a multiple of pixelSize.
func bytesToPixels(raw []byte) []uint32 {
	words := make([]uint32, len(raw)/pixelSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*pixelSize:])
	}
	return words
}
