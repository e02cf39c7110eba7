package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/elemento-modular-cloud/rdpbridge/internal/app"
	"github.com/elemento-modular-cloud/rdpbridge/internal/config"
	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
	"github.com/elemento-modular-cloud/rdpbridge/internal/recording"

	// Engines register themselves with the rdp package.
	_ "github.com/elemento-modular-cloud/rdpbridge/internal/mock"
)

type options struct {
	mock   string
	replay string
	token  bool
}

// newFlagSet declares every command-line override. Target flags keep the
// short names operators already type for RDP clients.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("rdpbridge", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("config", "rdpbridge.yaml", "Path to config file (missing file means defaults)")

	fs.StringP("target", "t", "", "RDP server host")
	fs.IntP("port", "p", 0, "RDP server port")
	fs.Int("width", 0, "Desktop width in pixels")
	fs.Int("height", 0, "Desktop height in pixels")
	fs.StringP("dom", "d", "", "Windows domain")
	fs.StringP("user", "u", "", "Username")
	fs.String("pass", "", "Password")
	fs.String("hash", "", "NT hash for pass-the-hash logon (hex)")
	fs.Bool("admin", false, "Restricted admin mode")
	fs.String("layout", "", "Keyboard layout (us, fr)")
	fs.Bool("auto", false, "Automatic logon")
	fs.Bool("blank", false, "Allow blank credentials")
	fs.Bool("check", false, "Verify the server certificate")
	fs.Bool("ssl", false, "SSL only, without NLA")
	fs.String("name", "", "Client name announced to the server")
	fs.String("engine", "", "Session engine ("+strings.Join(rdp.Engines(), ", ")+")")

	fs.String("listen-host", "", "WebSocket listen host")
	fs.Int("listen-port", 0, "WebSocket listen port")
	fs.String("token", "", "Auth token required from viewers")
	fs.Bool("generate-token", false, "Generate an auth token and print it")
	fs.StringSlice("allowed-origin", nil, "Allowed browser origin (repeatable)")
	fs.String("static-dir", "", "Serve the viewer from this directory instead of the embedded copy")
	fs.Int("max-connections", 0, "Maximum concurrent viewers (0 = unlimited)")
	fs.Float64("rate-limit", 0, "Input events per second per viewer (0 = unlimited)")

	fs.String("mock", "", "Use the mock engine with the given pattern (sweep, burst, stall)")
	fs.Lookup("mock").NoOptDefVal = "sweep"
	fs.String("replay", "", "Replay a recording instead of connecting")
	fs.String("record", "", "Record decoded updates to this file")
	fs.String("journal", "", "Journal viewer connections to this SQLite file")
	return fs
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) (options, error) {
	var (
		opts options
		err  error
	)
	str := func(name string, dst *string) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetInt(name)
		}
	}
	flag := func(name string, dst *bool) {
		if err == nil && fs.Changed(name) {
			*dst, err = fs.GetBool(name)
		}
	}

	str("mock", &opts.mock)
	str("replay", &opts.replay)
	flag("generate-token", &opts.token)

	t := &cfg.Target
	str("target", &t.Host)
	num("port", &t.Port)
	num("width", &t.Width)
	num("height", &t.Height)
	str("dom", &t.Domain)
	str("user", &t.Username)
	str("pass", &t.Password)
	str("hash", &t.PasswordHash)
	flag("admin", &t.RestrictedAdmin)
	str("layout", &t.Layout)
	flag("auto", &t.AutoLogon)
	flag("blank", &t.BlankCreds)
	flag("check", &t.CheckCertificate)
	flag("ssl", &t.SSLOnly)
	str("name", &t.Name)
	str("engine", &t.Engine)

	s := &cfg.Server
	str("listen-host", &s.Host)
	num("listen-port", &s.Port)
	str("token", &s.AuthToken)
	str("static-dir", &s.StaticDir)
	num("max-connections", &s.MaxConnections)
	if err == nil && fs.Changed("allowed-origin") {
		s.AllowedOrigins, err = fs.GetStringSlice("allowed-origin")
	}
	if err == nil && fs.Changed("rate-limit") {
		cfg.Input.RateLimit, err = fs.GetFloat64("rate-limit")
	}

	str("record", &cfg.Recording.Path)
	str("journal", &cfg.Journal.Path)

	if err != nil {
		return opts, err
	}
	if opts.mock != "" && opts.replay != "" {
		return opts, errors.New("--mock and --replay are mutually exclusive")
	}
	return opts, nil
}

// resolveEngine points the target at the mock or replay engine when asked.
// A replay always runs at the recorded screen size.
func resolveEngine(opts options, cfg *config.Config) error {
	switch {
	case opts.mock != "":
		cfg.Target.Engine = "mock"
		cfg.Target.Source = opts.mock
	case opts.replay != "":
		h, err := recording.Probe(opts.replay)
		if err != nil {
			return err
		}
		cfg.Target.Engine = "replay"
		cfg.Target.Source = opts.replay
		cfg.Target.Width = h.Width
		cfg.Target.Height = h.Height
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func main() {
	fs := newFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	configPath, _ := fs.GetString("config")
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	opts, err := applyFlags(fs, cfg)
	if err != nil {
		log.Fatalf("Invalid flags: %v", err)
	}
	if err := resolveEngine(opts, cfg); err != nil {
		log.Fatalf("Failed to open replay: %v", err)
	}

	if opts.token || (cfg.Server.AuthToken == "" && !isLoopback(cfg.Server.Host)) {
		if cfg.Server.AuthToken, err = config.GenerateToken(); err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		log.Printf("Viewer token: %s", cfg.Server.AuthToken)
	}

	for _, change := range config.Diff(config.Default(), cfg) {
		log.Printf("config: %s", change)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Connecting to %s with the %s engine", cfg.Settings().Addr(), cfg.Target.Engine)
	sess, err := rdp.Connect(ctx, cfg.Target.Engine, cfg.Settings())
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	a, err := app.New(ctx, cfg, sess)
	if err != nil {
		sess.Shutdown()
		log.Fatalf("Failed to start bridge: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Printf("Bridge stopped with error: %v", err)
		os.Exit(1)
	}
}
