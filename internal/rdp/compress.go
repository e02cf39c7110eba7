package rdp

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies a bitmap payload compression scheme used by engines
// that ship pixel words compressed with a general-purpose algorithm.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a codec name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", name)
	}
}

var errIncompressible = errors.New("data is incompressible")

// lz4MaxRatio is the largest expansion an LZ4 block can encode.
const lz4MaxRatio = 255

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Compress encodes data with c. Incompressible LZ4 input is reported as an
// error so callers can fall back to sending raw pixels.
func Compress(data []byte, c Codec) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CodecZstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %d", c)
	}
}

// Decompress decodes data with c. size is the exact expected output length
// and any mismatch is an error.
func Decompress(data []byte, c Codec, size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative decompressed size %d", size)
	}
	switch c {
	case CodecNone:
		if len(data) != size {
			return nil, fmt.Errorf("raw payload: size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case CodecLZ4:
		if size > len(data)*lz4MaxRatio {
			return nil, fmt.Errorf("lz4 decompress: %d bytes cannot expand to %d", len(data), size)
		}
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %d", c)
	}
}

// CodecDecompressor decompresses bitmap updates whose payload is a plain
// c-encoded block of Width*(Bottom-Top+1) pixel words.
type CodecDecompressor struct {
	Codec Codec
}

func (d CodecDecompressor) Decompress(b BitmapUpdate) ([]byte, error) {
	if !b.Compressed {
		return nil, ErrNotCompressed
	}
	if b.Bottom < b.Top {
		return nil, fmt.Errorf("bitmap rows: bottom %d above top %d", b.Bottom, b.Top)
	}
	rows := int(b.Bottom) - int(b.Top) + 1
	return Decompress(b.Data, d.Codec, int(b.Width)*rows*4)
}
