package bridge

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// pixelPayload encodes stride*rows pixel words where the word at (x, y) is
// base + y*stride + x.
func pixelPayload(stride, rows int, base uint32) []byte {
	buf := make([]byte, stride*rows*pixelSize)
	for i := 0; i < stride*rows; i++ {
		binary.LittleEndian.PutUint32(buf[i*pixelSize:], base+uint32(i))
	}
	return buf
}

// fillCanvas gives every pixel a distinct value so untouched pixels are
// detectable.
func fillCanvas(t *testing.T, c *Canvas) {
	t.Helper()
	if err := c.Composite(rdp.BitmapUpdate{
		Right: uint16(c.width - 1), Bottom: uint16(c.height - 1), Width: uint16(c.width),
	}, pixelPayload(c.width, c.height, 0x01000000)); err != nil {
		t.Fatalf("fill canvas: %v", err)
	}
}

func mustSnapshot(t *testing.T, c *Canvas) Frame {
	t.Helper()
	f, ok := c.Snapshot()
	if !ok {
		t.Fatal("snapshot not available")
	}
	return f
}

func TestNewCanvas_RejectsNonPositive(t *testing.T) {
	for _, dims := range [][2]int{{0, 10}, {10, 0}, {-1, 10}, {70000, 1}} {
		if _, err := NewCanvas(dims[0], dims[1]); err == nil {
			t.Errorf("NewCanvas(%d, %d) succeeded", dims[0], dims[1])
		}
	}
}

func TestCanvas_SnapshotBeforeComposite(t *testing.T) {
	c, err := NewCanvas(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Snapshot(); ok {
		t.Fatal("snapshot available before any composite")
	}
}

func TestCanvas_CompositeWritesOnlyRectangle(t *testing.T) {
	const w, h = 37, 23
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		c, err := NewCanvas(w, h)
		if err != nil {
			t.Fatal(err)
		}
		fillCanvas(t, c)
		before := mustSnapshot(t, c)

		left := rng.Intn(w)
		right := left + rng.Intn(w-left)
		top := rng.Intn(h)
		bottom := top + rng.Intn(h-top)
		run := right - left + 1
		stride := run + rng.Intn(5)
		rows := bottom - top + 1

		b := rdp.BitmapUpdate{
			Left: uint16(left), Top: uint16(top), Right: uint16(right), Bottom: uint16(bottom),
			Width: uint16(stride), BitsPerPixel: 32,
		}
		if err := c.Composite(b, pixelPayload(stride, rows, 0x80000000)); err != nil {
			t.Fatalf("case %d %s: %v", i, b, err)
		}
		after := mustSnapshot(t, c)

		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				inside := x >= left && x <= right && y >= top && y <= bottom
				if inside {
					want := 0x80000000 + uint32((y-top)*stride+(x-left))
					if after.Pixels[idx] != want {
						t.Fatalf("case %d: pixel (%d,%d) = %#x, want %#x", i, x, y, after.Pixels[idx], want)
					}
				} else if after.Pixels[idx] != before.Pixels[idx] {
					t.Fatalf("case %d: pixel (%d,%d) outside %s changed", i, x, y, b)
				}
			}
		}
	}
}

func TestCanvas_InvalidUpdateLeavesCanvasUnchanged(t *testing.T) {
	const w, h = 16, 8

	tests := []struct {
		name    string
		b       rdp.BitmapUpdate
		payload []byte
	}{
		{
			name:    "payload not word aligned",
			b:       rdp.BitmapUpdate{Right: 1, Bottom: 0, Width: 2},
			payload: []byte{1, 2, 3, 4, 5, 6, 7},
		},
		{
			name:    "right beyond canvas",
			b:       rdp.BitmapUpdate{Left: 10, Right: 16, Bottom: 0, Width: 7},
			payload: pixelPayload(7, 1, 0),
		},
		{
			name:    "bottom beyond canvas",
			b:       rdp.BitmapUpdate{Right: 3, Top: 6, Bottom: 8, Width: 4},
			payload: pixelPayload(4, 3, 0),
		},
		{
			name:    "far outside",
			b:       rdp.BitmapUpdate{Left: 60000, Top: 60000, Right: 60001, Bottom: 60001, Width: 2},
			payload: pixelPayload(2, 2, 0),
		},
		{
			name:    "inverted columns",
			b:       rdp.BitmapUpdate{Left: 5, Right: 4, Bottom: 0, Width: 2},
			payload: pixelPayload(2, 1, 0),
		},
		{
			name:    "inverted rows",
			b:       rdp.BitmapUpdate{Right: 1, Top: 3, Bottom: 2, Width: 2},
			payload: pixelPayload(2, 1, 0),
		},
		{
			name:    "zero stride",
			b:       rdp.BitmapUpdate{Right: 1, Bottom: 1, Width: 0},
			payload: pixelPayload(2, 2, 0),
		},
		{
			name:    "stride far wider than canvas",
			b:       rdp.BitmapUpdate{Right: 1, Bottom: 0, Width: w + maxStridePadding + 1},
			payload: pixelPayload(w+maxStridePadding+1, 1, 0),
		},
		{
			// Rows 0..2 fit, row 3 runs off the end of the payload.
			name:    "short payload on last row",
			b:       rdp.BitmapUpdate{Right: 3, Bottom: 3, Width: 4},
			payload: pixelPayload(4, 3, 0),
		},
		{
			name:    "empty payload",
			b:       rdp.BitmapUpdate{Right: 0, Bottom: 0, Width: 1},
			payload: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCanvas(w, h)
			if err != nil {
				t.Fatal(err)
			}
			fillCanvas(t, c)
			before := mustSnapshot(t, c)

			err = c.Composite(tt.b, tt.payload)
			if !errors.Is(err, ErrInvalidUpdate) {
				t.Fatalf("Composite error = %v, want ErrInvalidUpdate", err)
			}

			after := mustSnapshot(t, c)
			if after.Version != before.Version {
				t.Errorf("version moved from %d to %d on a rejected update", before.Version, after.Version)
			}
			for i := range before.Pixels {
				if before.Pixels[i] != after.Pixels[i] {
					t.Fatalf("pixel %d changed on a rejected update", i)
				}
			}
		})
	}
}

func TestCanvas_SnapshotIsACopy(t *testing.T) {
	c, err := NewCanvas(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	fillCanvas(t, c)
	f := mustSnapshot(t, c)
	f.Pixels[0] = 0xDEADBEEF

	if g := mustSnapshot(t, c); g.Pixels[0] == 0xDEADBEEF {
		t.Error("mutating a snapshot changed the canvas")
	}
	if f.Width != 2 || f.Height != 2 || len(f.Pixels) != 4 {
		t.Errorf("snapshot dims %dx%d len %d", f.Width, f.Height, len(f.Pixels))
	}
}
