// Package viewer is a Go client for the bridge's WebSocket and HTTP
// endpoints. bridgetop and the end-to-end tests drive the bridge with it.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elemento-modular-cloud/rdpbridge/internal/ws"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Mouse buttons in browser numbering.
const (
	ButtonLeft   uint8 = 0
	ButtonMiddle uint8 = 1
	ButtonRight  uint8 = 2
)

var ErrClosed = errors.New("viewer closed")

// Client is one viewer connection. Reads must come from a single goroutine;
// sends may come from any.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serialises all conn writes (ping, input)
	cancel  context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// outbound mirrors the server's inbound message. Nil fields are sent as null.
type outbound struct {
	Type      ws.MessageType `json:"type"`
	X         *int32         `json:"x,omitempty"`
	Y         *int32         `json:"y,omitempty"`
	Button    *uint8         `json:"button"`
	IsPressed *bool          `json:"is_pressed"`
	Scancode  *uint16        `json:"scancode,omitempty"`
	Delta     *int32         `json:"delta,omitempty"`
}

// Dial connects to a bridge WebSocket URL such as ws://127.0.0.1:9000/ws.
// The token, when set, goes in the Authorization header.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	pingCtx, cancel := context.WithCancel(context.Background())
	c := &Client{conn: conn, cancel: cancel, closed: make(chan struct{})}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	go c.pingLoop(pingCtx)
	return c, nil
}

// ReadFrame blocks until the next frame arrives and returns its raw size in
// bytes along with the decoded frame.
func (c *Client) ReadFrame() (ws.FrameMessage, int, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return ws.FrameMessage{}, 0, ErrClosed
			default:
			}
			return ws.FrameMessage{}, 0, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		f, err := ws.DecodeFrame(data)
		if err != nil {
			return ws.FrameMessage{}, len(data), err
		}
		return f, len(data), nil
	}
}

// SendMouse sends a button press or release at x, y.
func (c *Client) SendMouse(x, y int32, button uint8, pressed bool) error {
	return c.send(outbound{Type: ws.MsgMouse, X: &x, Y: &y, Button: &button, IsPressed: &pressed})
}

// SendMove sends pointer movement with no button change.
func (c *Client) SendMove(x, y int32) error {
	return c.send(outbound{Type: ws.MsgMouse, X: &x, Y: &y})
}

func (c *Client) SendKey(code uint16, pressed bool) error {
	return c.send(outbound{Type: ws.MsgScancode, Scancode: &code, IsPressed: &pressed})
}

func (c *Client) SendWheel(x, y, delta int32) error {
	return c.send(outbound{Type: ws.MsgWheel, X: &x, Y: &y, Delta: &delta})
}

func (c *Client) send(m outbound) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(mt int, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(mt, data)
}

// pingLoop keeps the server's read deadline fresh until Close.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close sends a close frame and tears the connection down. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
