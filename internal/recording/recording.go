// Package recording stores composited bitmap updates in a zstd-compressed
// CBOR stream and plays them back as a session.
package recording

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

const (
	formatName    = "rdpbridge-recording"
	formatVersion = 1
)

// ErrFormat reports a stream that is not a recording this package can read.
var ErrFormat = errors.New("recording: unsupported format")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("recording: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("recording: CBOR decoder initialization failed: " + err.Error())
	}
}

// Header opens every recording.
type Header struct {
	Format    string    `cbor:"format"`
	Version   int       `cbor:"version"`
	Width     int       `cbor:"width"`
	Height    int       `cbor:"height"`
	StartedAt time.Time `cbor:"started_at"`
}

// Entry is one recorded update and its offset from the start.
type Entry struct {
	At     time.Duration
	Update rdp.BitmapUpdate
}

type entryRecord struct {
	At           int64  `cbor:"at"`
	Left         uint16 `cbor:"l"`
	Top          uint16 `cbor:"t"`
	Right        uint16 `cbor:"r"`
	Bottom       uint16 `cbor:"b"`
	Width        uint16 `cbor:"w"`
	Height       uint16 `cbor:"h"`
	BitsPerPixel uint16 `cbor:"bpp"`
	Data         []byte `cbor:"data"`
}

// Writer appends updates to a recording. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	zw      *zstd.Encoder
	enc     *cbor.Encoder
	file    *os.File
	start   time.Time
	now     func() time.Time
	entries int
	closed  bool
}

// Create starts a recording at path for a width x height screen.
func Create(path string, width, height int) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	w, err := NewWriter(f, width, height)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	return w, nil
}

// NewWriter starts a recording on out. Close flushes the stream but does
// not close out.
func NewWriter(out io.Writer, width, height int) (*Writer, error) {
	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("recording: zstd writer: %w", err)
	}
	w := &Writer{
		zw:    zw,
		enc:   encMode.NewEncoder(zw),
		start: time.Now(),
		now:   time.Now,
	}
	h := Header{
		Format:    formatName,
		Version:   formatVersion,
		Width:     width,
		Height:    height,
		StartedAt: w.start.UTC(),
	}
	if err := w.enc.Encode(h); err != nil {
		zw.Close()
		return nil, fmt.Errorf("recording: write header: %w", err)
	}
	return w, nil
}

// Record appends b. Compressed updates are refused; the caller records
// what it composited.
func (w *Writer) Record(b rdp.BitmapUpdate) error {
	if b.Compressed {
		return fmt.Errorf("recording: %w", rdp.ErrNotCompressed)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("recording: writer closed")
	}
	rec := entryRecord{
		At:           int64(w.now().Sub(w.start)),
		Left:         b.Left,
		Top:          b.Top,
		Right:        b.Right,
		Bottom:       b.Bottom,
		Width:        b.Width,
		Height:       b.Height,
		BitsPerPixel: b.BitsPerPixel,
		Data:         b.Data,
	}
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("recording: write entry: %w", err)
	}
	w.entries++
	return nil
}

// Entries reports how many updates were recorded.
func (w *Writer) Entries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// Close flushes the stream and closes the file opened by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.zw.Close()
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads a recording sequentially.
type Reader struct {
	Header Header

	zr   *zstd.Decoder
	dec  *cbor.Decoder
	file *os.File
}

// Open opens the recording at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewReader reads and checks the header from in.
func NewReader(in io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	r := &Reader{zr: zr, dec: decMode.NewDecoder(zr)}
	if err := r.dec.Decode(&r.Header); err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if r.Header.Format != formatName || r.Header.Version != formatVersion {
		zr.Close()
		return nil, fmt.Errorf("%w: %q version %d", ErrFormat, r.Header.Format, r.Header.Version)
	}
	return r, nil
}

// Probe returns the header of the recording at path.
func Probe(path string) (Header, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer r.Close()
	return r.Header, nil
}

// Next returns the next entry, or io.EOF after the last one.
func (r *Reader) Next() (Entry, error) {
	var rec entryRecord
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("recording: read entry: %w", err)
	}
	return Entry{
		At: time.Duration(rec.At),
		Update: rdp.BitmapUpdate{
			Left:         rec.Left,
			Top:          rec.Top,
			Right:        rec.Right,
			Bottom:       rec.Bottom,
			Width:        rec.Width,
			Height:       rec.Height,
			BitsPerPixel: rec.BitsPerPixel,
			Data:         rec.Data,
		},
	}, nil
}

func (r *Reader) Close() error {
	r.zr.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
