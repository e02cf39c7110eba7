// Package app wires the bridge pipeline, the WebSocket server and the
// optional journal and recorder around one session.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/elemento-modular-cloud/rdpbridge/internal/bridge"
	"github.com/elemento-modular-cloud/rdpbridge/internal/config"
	"github.com/elemento-modular-cloud/rdpbridge/internal/frontend"
	"github.com/elemento-modular-cloud/rdpbridge/internal/journal"
	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
	"github.com/elemento-modular-cloud/rdpbridge/internal/recording"
	"github.com/elemento-modular-cloud/rdpbridge/internal/ws"
)

// DefaultShutdownTimeout bounds server shutdown when the config leaves it
// unset.
const DefaultShutdownTimeout = 5 * time.Second

// App owns every long-running component of the bridge.
type App struct {
	cfg *config.Config

	lifecycle   *bridge.Lifecycle
	canvas      *bridge.Canvas
	queue       *bridge.UpdateQueue
	stats       *bridge.Stats
	session     *rdp.Guarded
	ingestor    *bridge.Ingestor
	compositor  *bridge.Compositor
	registry    *ws.Registry
	broadcaster *ws.Broadcaster
	server      *ws.Server

	journal  *journal.Journal
	recorder *recording.Writer
	listener net.Listener
}

// New builds the bridge around sess. The app takes ownership of sess and
// shuts it down when Run returns. On error sess is left untouched.
func New(ctx context.Context, cfg *config.Config, sess rdp.Session) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	canvas, err := bridge.NewCanvas(cfg.Target.Width, cfg.Target.Height)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		lifecycle: bridge.NewLifecycle(),
		canvas:    canvas,
		queue:     bridge.NewUpdateQueue(),
		stats:     &bridge.Stats{},
		session:   rdp.Guard(sess),
	}

	var d rdp.Decompressor
	if dp, ok := sess.(rdp.DecompressorProvider); ok {
		d = dp.Decompressor()
	}

	a.ingestor = bridge.NewIngestor(a.session, a.queue, a.lifecycle, a.stats)
	a.ingestor.SetPollInterval(cfg.Bridge.ReadinessPollInterval)
	a.compositor = bridge.NewCompositor(canvas, a.queue, d, a.lifecycle, a.stats)
	a.compositor.SetPollInterval(cfg.Bridge.QueuePollInterval)

	if cfg.Journal.Path != "" {
		if a.journal, err = journal.Open(ctx, cfg.Journal.Path); err != nil {
			return nil, err
		}
		log.Printf("Journaling connections to %s", cfg.Journal.Path)
	}
	if cfg.Recording.Path != "" {
		if a.recorder, err = recording.Create(cfg.Recording.Path, cfg.Target.Width, cfg.Target.Height); err != nil {
			a.journal.Close()
			return nil, err
		}
		a.compositor.SetRecorder(a.recorder)
		log.Printf("Recording to %s", cfg.Recording.Path)
	}

	a.registry = ws.NewRegistry(cfg.Server.MaxConnections, cfg.Server.SendBuffer)
	a.broadcaster = ws.NewBroadcaster(canvas, a.registry, a.lifecycle, cfg.Bridge.BroadcastInterval)
	a.server = ws.NewServer(ws.Options{
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		StaticDir:      cfg.Server.StaticDir,
		StaticHandler:  frontend.Handler(),
		InputRateLimit: cfg.Input.RateLimit,
		InputBurst:     cfg.Input.Burst,
	}, a.registry, a.broadcaster, a.session, ws.Pipeline{
		Canvas:    canvas,
		Queue:     a.queue,
		Stats:     a.stats,
		Lifecycle: a.lifecycle,
	})
	if a.journal != nil {
		a.server.SetJournal(a.journal)
	}

	return a, nil
}

// Listen binds the server address. Run calls it if it was not called.
func (a *App) Listen() (net.Addr, error) {
	if a.listener != nil {
		return a.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.cfg.Addr(), err)
	}
	a.listener = ln
	return ln.Addr(), nil
}

// Lifecycle exposes the running flag.
func (a *App) Lifecycle() *bridge.Lifecycle {
	return a.lifecycle
}

// Server exposes the HTTP surface.
func (a *App) Server() *ws.Server {
	return a.server
}

// Run starts every loop and blocks until the lifecycle flag clears, either
// because ctx was cancelled or because the session ended. It returns the
// session error that ended the bridge, or nil for a graceful end.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.Listen(); err != nil {
		a.closeStores()
		a.shutdownSession()
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			a.lifecycle.Stop("context cancelled")
		case <-a.lifecycle.Done():
		}
	}()

	var (
		wg        sync.WaitGroup
		ingestErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		ingestErr = a.ingestor.Run()
	}()
	go func() {
		defer wg.Done()
		a.compositor.Run()
	}()
	go func() {
		defer wg.Done()
		a.broadcaster.Run()
	}()

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := a.server.Serve(a.listener); err != nil {
			log.Printf("Server error: %v", err)
			a.lifecycle.Stop("http server failed")
		}
	}()

	<-a.lifecycle.Done()
	log.Printf("Shutting down: %s", a.lifecycle.Reason())

	timeout := a.cfg.Bridge.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.server.Shutdown(sctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	<-serveDone

	a.shutdownSession()
	wg.Wait()
	a.closeStores()

	st := a.stats.Snapshot()
	log.Printf("Bridge stopped: %d updates applied, %d rejected, %d frames sent",
		st.UpdatesApplied, st.UpdatesRejected, a.broadcaster.FramesSent())
	return ingestErr
}

func (a *App) shutdownSession() {
	if err := a.session.Shutdown(); err != nil && !errors.Is(err, rdp.ErrShutdownInProgress) {
		log.Printf("session shutdown: %v", err)
	}
}

func (a *App) closeStores() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			log.Printf("close recording: %v", err)
		}
		log.Printf("Recorded %d updates", a.recorder.Entries())
	}
	if err := a.journal.Close(); err != nil {
		log.Printf("close journal: %v", err)
	}
}
