package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// InputEvent is one decoded client message.
type InputEvent interface {
	// SessionEvent converts the input into the single session write it
	// produces. Coordinates are clamped into a width x height screen.
	SessionEvent(width, height int) rdp.Event
}

// PointerInput is a mouse message. Button is nil for pure movement.
type PointerInput struct {
	X, Y   int32
	Button *rdp.PointerButton
	Down   bool
}

// KeyInput is a scancode message.
type KeyInput struct {
	Code uint16
	Down bool
}

// WheelInput is a scroll message.
type WheelInput struct {
	X, Y  int32
	Delta int32
}

func (p PointerInput) SessionEvent(width, height int) rdp.Event {
	ev := rdp.PointerEvent{
		X:      clampCoord(p.X, width),
		Y:      clampCoord(p.Y, height),
		Button: rdp.ButtonNone,
	}
	if p.Button != nil {
		ev.Button = *p.Button
		ev.Down = p.Down
	}
	return ev
}

func (k KeyInput) SessionEvent(int, int) rdp.Event {
	return rdp.KeyEvent{Code: k.Code, Down: k.Down}
}

func (w WheelInput) SessionEvent(width, height int) rdp.Event {
	return rdp.PointerEvent{
		X:      clampCoord(w.X, width),
		Y:      clampCoord(w.Y, height),
		Button: rdp.ButtonWheel,
		Down:   true,
		Delta:  w.Delta,
	}
}

// clampCoord maps a client coordinate into [0, limit-1].
func clampCoord(v int32, limit int) uint16 {
	if v < 0 || limit <= 0 {
		return 0
	}
	if int(v) >= limit {
		return uint16(limit - 1)
	}
	return uint16(v)
}

// wireButton maps the browser button numbering onto session buttons.
func wireButton(b uint8) (rdp.PointerButton, bool) {
	switch b {
	case 0:
		return rdp.ButtonLeft, true
	case 1:
		return rdp.ButtonMiddle, true
	case 2:
		return rdp.ButtonRight, true
	default:
		return rdp.ButtonNone, false
	}
}

// ParseInput decodes one inbound text message. Every failure wraps
// ErrMalformedMessage.
func ParseInput(data []byte) (InputEvent, error) {
	var m inputMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch m.Type {
	case MsgMouse:
		if m.X == nil || m.Y == nil {
			return nil, fmt.Errorf("%w: mouse message without coordinates", ErrMalformedMessage)
		}
		p := PointerInput{X: *m.X, Y: *m.Y}
		switch {
		case m.Button == nil && m.IsPressed == nil:
			// movement only
		case m.Button != nil && m.IsPressed != nil:
			b, ok := wireButton(*m.Button)
			if !ok {
				return nil, fmt.Errorf("%w: unknown mouse button %d", ErrMalformedMessage, *m.Button)
			}
			p.Button = &b
			p.Down = *m.IsPressed
		default:
			return nil, fmt.Errorf("%w: mouse button and is_pressed must be given together", ErrMalformedMessage)
		}
		return p, nil

	case MsgScancode:
		if m.Scancode == nil || m.IsPressed == nil {
			return nil, fmt.Errorf("%w: scancode message needs scancode and is_pressed", ErrMalformedMessage)
		}
		return KeyInput{Code: *m.Scancode, Down: *m.IsPressed}, nil

	case MsgWheel:
		if m.X == nil || m.Y == nil || m.Delta == nil {
			return nil, fmt.Errorf("%w: wheel message needs x, y and delta", ErrMalformedMessage)
		}
		return WheelInput{X: *m.X, Y: *m.Y, Delta: *m.Delta}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
}

// SessionWriter is the write side of the shared session.
type SessionWriter interface {
	Write(ev rdp.Event) error
}

// InputStats counts one router's traffic.
type InputStats struct {
	Forwarded   int
	Malformed   int
	Limited     int
	WriteErrors int
}

// InputRouter forwards one client's input to the session.
type InputRouter struct {
	conn    *websocket.Conn
	session SessionWriter
	width   int
	height  int
	limiter *rate.Limiter
	label   string

	Stats InputStats
}

// NewInputRouter builds a router for conn. A zero limit disables rate
// limiting.
func NewInputRouter(conn *websocket.Conn, session SessionWriter, width, height int, limit rate.Limit, burst int, label string) *InputRouter {
	r := &InputRouter{
		conn:    conn,
		session: session,
		width:   width,
		height:  height,
		label:   label,
	}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(limit, burst)
	}
	return r
}

// Handle processes one text message. Only session write failures are
// returned; they are per-event and never end the router.
func (r *InputRouter) Handle(data []byte) error {
	in, err := ParseInput(data)
	if err != nil {
		r.Stats.Malformed++
		log.Printf("input %s: %v", r.label, err)
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.Stats.Limited++
		return nil
	}
	if err := r.session.Write(in.SessionEvent(r.width, r.height)); err != nil {
		r.Stats.WriteErrors++
		log.Printf("input %s: session write: %v", r.label, err)
		return err
	}
	r.Stats.Forwarded++
	return nil
}

// Run reads messages until the client closes, the transport fails, or done
// closes. It returns the reason the loop ended.
func (r *InputRouter) Run(done <-chan struct{}) error {
	r.conn.SetReadLimit(maxMessageSize)
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-done:
			return nil
		default:
		}

		msgType, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		// Any traffic proves the peer is alive.
		r.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			r.Stats.Malformed++
			log.Printf("input %s: %v: non-text frame", r.label, ErrMalformedMessage)
			continue
		}
		r.Handle(data)
	}
}
