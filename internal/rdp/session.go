// Package rdp defines the boundary between the bridge and a remote-display
// protocol engine. The engine itself is opaque: it is reached only through
// the Session interface and registered by name like a database/sql driver.
package rdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrDisconnect reports a peer-initiated close. It ends the bridge but is
	// not treated as a failure.
	ErrDisconnect = errors.New("rdp: server asked for disconnect")

	// ErrShutdownInProgress is returned to every Shutdown caller after the first.
	ErrShutdownInProgress = errors.New("rdp: shutdown already in progress")

	// ErrUnknownEngine is returned by Connect for an unregistered engine name.
	ErrUnknownEngine = errors.New("rdp: unknown engine")

	// ErrNotCompressed is returned by a Decompressor given a raw update.
	ErrNotCompressed = errors.New("rdp: bitmap is not compressed")

	// ErrWaitCancelled is returned by WaitReadable when its cancel channel
	// closes before the session became readable.
	ErrWaitCancelled = errors.New("rdp: readiness wait cancelled")
)

// Session is a live remote-display connection.
//
// Read performs one read of the transport and invokes fn for every event
// decoded from it. fn must not block. Shutdown must be safe to call while
// another goroutine is inside Read; it is what unblocks a pending Read.
//
// Engines should implement ReadyWaiter or expose SyscallConn so the reader
// waits outside the session lock. Without either, Guarded holds its lock for
// the whole blocking Read and input writes queue behind it until the next
// event arrives.
type Session interface {
	Read(fn func(Event)) error
	Write(ev Event) error
	Shutdown() error
}

// Decompressor decodes a compressed BitmapUpdate into 32-bit little-endian
// pixel words. It must not need the session lock.
type Decompressor interface {
	Decompress(b BitmapUpdate) ([]byte, error)
}

// DecompressorProvider is implemented by sessions that ship compressed
// bitmap payloads and know how to decode them.
type DecompressorProvider interface {
	Decompressor() Decompressor
}

// ReadyWaiter is implemented by sessions that can report read readiness
// without a file descriptor. WaitReadable returns nil when a Read will not
// block, or ErrWaitCancelled once cancel is closed.
type ReadyWaiter interface {
	WaitReadable(cancel <-chan struct{}) error
}

// Connector establishes a Session from Settings.
type Connector interface {
	Connect(ctx context.Context, s Settings) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, s Settings) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, s Settings) (Session, error) {
	return f(ctx, s)
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Connector)
)

// Register makes a protocol engine available under name. It panics on a nil
// connector or a duplicate name.
func Register(name string, c Connector) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if c == nil {
		panic("rdp: Register connector is nil")
	}
	if _, dup := engines[name]; dup {
		panic("rdp: Register called twice for engine " + name)
	}
	engines[name] = c
}

// Engines lists the registered engine names in sorted order.
func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect validates s and opens a session with the named engine.
func Connect(ctx context.Context, engine string, s Settings) (Session, error) {
	enginesMu.RLock()
	c, ok := engines[engine]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownEngine, engine, Engines())
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	sess, err := c.Connect(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", engine, err)
	}
	return sess, nil
}

const (
	shutdownIdle int32 = iota
	shutdownRunning
	shutdownDone
)

// Guarded serialises every Read and Write on a Session behind one mutex and
// makes Shutdown happen exactly once. Shutdown does not take the mutex so it
// can interrupt a Read that is blocked on the transport. Read is only
// expected to be called once the session is readable, see Session.
type Guarded struct {
	mu       sync.Mutex
	sess     Session
	shutdown atomic.Int32
}

// Guard wraps sess.
func Guard(sess Session) *Guarded {
	return &Guarded{sess: sess}
}

// Session returns the wrapped session for capability checks. Callers must not
// invoke Read or Write on it directly.
func (g *Guarded) Session() Session {
	return g.sess
}

func (g *Guarded) Read(fn func(Event)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess.Read(fn)
}

func (g *Guarded) Write(ev Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess.Write(ev)
}

// Shutdown closes the session. Only the first caller reaches the engine;
// everyone else gets ErrShutdownInProgress.
func (g *Guarded) Shutdown() error {
	if !g.shutdown.CompareAndSwap(shutdownIdle, shutdownRunning) {
		return ErrShutdownInProgress
	}
	defer g.shutdown.Store(shutdownDone)
	return g.sess.Shutdown()
}

// IsShutdown reports whether Shutdown has been called.
func (g *Guarded) IsShutdown() bool {
	return g.shutdown.Load() != shutdownIdle
}
