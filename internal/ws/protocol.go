package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/elemento-modular-cloud/rdpbridge/internal/bridge"
)

// MessageType is the "type" tag of an inbound client message.
type MessageType string

const (
	MsgMouse    MessageType = "mouse"
	MsgScancode MessageType = "scancode"
	MsgWheel    MessageType = "wheel"
)

// ErrMalformedMessage marks an inbound message that cannot be turned into an
// input event. The message is dropped; the connection stays open.
var ErrMalformedMessage = errors.New("malformed client message")

// FrameMessage is the outbound wire shape. EncodeFrame produces the same
// bytes json.Marshal would, without going through reflection.
type FrameMessage struct {
	Width  uint16   `json:"width"`
	Height uint16   `json:"height"`
	Buffer []uint32 `json:"buffer"`
}

// inputMessage is the union of all inbound fields. Pointer fields distinguish
// absent (or null) from zero.
type inputMessage struct {
	Type      MessageType `json:"type"`
	X         *int32      `json:"x"`
	Y         *int32      `json:"y"`
	Button    *uint8      `json:"button"`
	IsPressed *bool       `json:"is_pressed"`
	Scancode  *uint16     `json:"scancode"`
	Delta     *int32      `json:"delta"`
}

// EncodeFrame serialises f as {"width":W,"height":H,"buffer":[...]}. The
// returned slice is freshly allocated and safe to share between clients.
func EncodeFrame(f bridge.Frame) []byte {
	// Worst case is 10 digits and a comma per pixel.
	buf := make([]byte, 0, 48+len(f.Pixels)*11)
	buf = append(buf, `{"width":`...)
	buf = strconv.AppendUint(buf, uint64(f.Width), 10)
	buf = append(buf, `,"height":`...)
	buf = strconv.AppendUint(buf, uint64(f.Height), 10)
	buf = append(buf, `,"buffer":[`...)
	for i, p := range f.Pixels {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(p), 10)
	}
	return append(buf, `]}`...)
}

// DecodeFrame parses an outbound frame, checking the buffer length against
// the announced dimensions.
func DecodeFrame(data []byte) (FrameMessage, error) {
	var m FrameMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode frame: %w", err)
	}
	if len(m.Buffer) != int(m.Width)*int(m.Height) {
		return m, fmt.Errorf("decode frame: buffer has %d pixels, want %dx%d", len(m.Buffer), m.Width, m.Height)
	}
	return m, nil
}
