package ws

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 4
)

var (
	// ErrTooManyConnections is returned by Add when the registry is full.
	ErrTooManyConnections = errors.New("too many connections")
	// ErrRegistryClosed is returned by Add once CloseAll has run.
	ErrRegistryClosed = errors.New("registry closed")
)

// Client is one connected viewer's output handle.
type Client struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn      *websocket.Conn
	registry  *Registry
	send      chan []byte
	failed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// Failed reports whether a send to this client has failed.
func (c *Client) Failed() bool {
	return c.failed.Load()
}

// Done is closed once the client has been removed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue hands data to the write pump without blocking. A full buffer
// marks the client failed.
func (c *Client) enqueue(data []byte) bool {
	if c.failed.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.failed.Store(true)
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.failed.Store(true)
				log.Printf("ws client %s: write: %v", c.ID, err)
				c.registry.Remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.failed.Store(true)
				c.registry.Remove(c)
				return
			}
		}
	}
}

// Registry is the set of connected clients.
type Registry struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	closed     bool
	maxConns   int
	sendBuffer int
	onRemove   func(*Client)
}

// NewRegistry creates a registry. maxConns <= 0 means unlimited.
func NewRegistry(maxConns, sendBuffer int) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Registry{
		clients:    make(map[*Client]bool),
		maxConns:   maxConns,
		sendBuffer: sendBuffer,
	}
}

// OnRemove registers a callback run once for each removed client, outside
// the registry lock. Must be called before the first Add.
func (r *Registry) OnRemove(fn func(*Client)) {
	r.onRemove = fn
}

// Add registers conn and starts its write pump.
func (r *Registry) Add(conn *websocket.Conn, remoteAddr string) (*Client, error) {
	c := &Client{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		registry:    r,
		send:        make(chan []byte, r.sendBuffer),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if r.maxConns > 0 && len(r.clients) >= r.maxConns {
		r.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	r.clients[c] = true
	r.mu.Unlock()

	go c.writePump()
	return c, nil
}

// Remove drops c. It reports whether c was still registered.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	_, ok := r.clients[c]
	delete(r.clients, c)
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.close()
	if r.onRemove != nil {
		r.onRemove(c)
	}
	return true
}

// PruneFailed removes every client matching pred and returns how many were
// removed.
func (r *Registry) PruneFailed(pred func(*Client) bool) int {
	var dead []*Client
	r.mu.RLock()
	for c := range r.clients {
		if pred(c) {
			dead = append(dead, c)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range dead {
		if r.Remove(c) {
			n++
		}
	}
	return n
}

// Broadcast queues data for every client and prunes the ones that could
// not take it. It returns the number of clients the data was queued for.
func (r *Registry) Broadcast(data []byte) int {
	clients := r.List()
	sent := 0
	for _, c := range clients {
		if c.enqueue(data) {
			sent++
		}
	}
	if pruned := r.PruneFailed((*Client).Failed); pruned > 0 {
		log.Printf("ws: dropped %d slow or broken client(s)", pruned)
	}
	return sent
}

// Send queues data for a single client.
func (r *Registry) Send(c *Client, data []byte) bool {
	if c.enqueue(data) {
		return true
	}
	r.Remove(c)
	return false
}

// List returns the current clients.
func (r *Registry) List() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll removes every client and refuses further Adds.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, c := range r.List() {
		r.Remove(c)
	}
}
