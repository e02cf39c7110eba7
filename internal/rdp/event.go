package rdp

import "fmt"

// EventKind tags the variants carried over a Session.
type EventKind int

const (
	KindBitmap EventKind = iota
	KindPointer
	KindKey
	KindDisconnect
	KindOther
)

func (k EventKind) String() string {
	switch k {
	case KindBitmap:
		return "bitmap"
	case KindPointer:
		return "pointer"
	case KindKey:
		return "key"
	case KindDisconnect:
		return "disconnect"
	default:
		return "other"
	}
}

// Event is one item of the session's event stream, in either direction.
type Event interface {
	Kind() EventKind
}

// BitmapUpdate is a rectangular screen update. Every field comes from the
// remote peer and must be validated before it is used as an index.
type BitmapUpdate struct {
	Left         uint16
	Top          uint16
	Right        uint16
	Bottom       uint16
	Width        uint16 // source row stride in pixels
	Height       uint16
	BitsPerPixel uint16
	Compressed   bool
	Data         []byte
}

func (BitmapUpdate) Kind() EventKind { return KindBitmap }

func (b BitmapUpdate) String() string {
	return fmt.Sprintf("bitmap[%d,%d..%d,%d w=%d bpp=%d compressed=%t len=%d]",
		b.Left, b.Top, b.Right, b.Bottom, b.Width, b.BitsPerPixel, b.Compressed, len(b.Data))
}

// PointerButton identifies the button a PointerEvent refers to.
type PointerButton uint8

const (
	ButtonNone PointerButton = iota
	ButtonLeft
	ButtonRight
	ButtonMiddle
	ButtonWheel
)

func (b PointerButton) String() string {
	switch b {
	case ButtonNone:
		return "none"
	case ButtonLeft:
		return "left"
	case ButtonRight:
		return "right"
	case ButtonMiddle:
		return "middle"
	case ButtonWheel:
		return "wheel"
	default:
		return fmt.Sprintf("button(%d)", uint8(b))
	}
}

// PointerEvent moves the cursor and optionally transitions a button.
// Delta is only meaningful for ButtonWheel.
type PointerEvent struct {
	X      uint16
	Y      uint16
	Button PointerButton
	Down   bool
	Delta  int32
}

func (PointerEvent) Kind() EventKind { return KindPointer }

// KeyEvent presses or releases a key by scancode.
type KeyEvent struct {
	Code uint16
	Down bool
}

func (KeyEvent) Kind() EventKind { return KindKey }

// DisconnectEvent is emitted when the peer announces it is closing.
type DisconnectEvent struct {
	Reason string
}

func (DisconnectEvent) Kind() EventKind { return KindDisconnect }

// OtherEvent carries event kinds the bridge does not consume.
type OtherEvent struct {
	Name string
}

func (OtherEvent) Kind() EventKind { return KindOther }
