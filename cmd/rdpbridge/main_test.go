package main

import (
	"path/filepath"
	"testing"

	"github.com/elemento-modular-cloud/rdpbridge/internal/config"
	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
	"github.com/elemento-modular-cloud/rdpbridge/internal/recording"
)

func parse(t *testing.T, args ...string) (*config.Config, options, error) {
	t.Helper()
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	cfg := config.Default()
	opts, err := applyFlags(fs, cfg)
	return cfg, opts, err
}

func TestApplyFlags(t *testing.T) {
	cfg, opts, err := parse(t,
		"-t", "10.0.0.7", "-u", "alice", "-d", "CORP", "--pass", "pw",
		"--width", "1024", "--height", "768", "--layout", "fr", "--ssl", "--admin",
		"--listen-port", "9100", "--allowed-origin", "https://a.example,https://b.example",
		"--rate-limit", "120", "--journal", "j.db", "--mock=burst",
	)
	if err != nil {
		t.Fatalf("applyFlags: %v", err)
	}

	tg := cfg.Target
	if tg.Host != "10.0.0.7" || tg.Username != "alice" || tg.Domain != "CORP" || tg.Password != "pw" {
		t.Errorf("target = %+v", tg)
	}
	if tg.Width != 1024 || tg.Height != 768 || tg.Layout != "fr" || !tg.SSLOnly || !tg.RestrictedAdmin {
		t.Errorf("target = %+v", tg)
	}
	if cfg.Settings().UseNLA {
		t.Error("--ssl should disable NLA")
	}
	if cfg.Server.Port != 9100 || len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Input.RateLimit != 120 || cfg.Journal.Path != "j.db" {
		t.Errorf("input = %+v, journal = %+v", cfg.Input, cfg.Journal)
	}
	if opts.mock != "burst" {
		t.Errorf("mock = %q", opts.mock)
	}

	// Unset flags leave the config alone.
	if cfg.Target.Port != 3389 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("defaults overwritten: port %d host %q", cfg.Target.Port, cfg.Server.Host)
	}
}

func TestApplyFlags_MockDefaultPattern(t *testing.T) {
	cfg, opts, err := parse(t, "--mock")
	if err != nil {
		t.Fatal(err)
	}
	if err := resolveEngine(opts, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Target.Engine != "mock" || cfg.Target.Source != "sweep" {
		t.Errorf("target = %+v", cfg.Target)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyFlags_MockAndReplayConflict(t *testing.T) {
	if _, _, err := parse(t, "--mock", "--replay", "x.rec"); err == nil {
		t.Fatal("--mock with --replay accepted")
	}
}

func TestResolveEngine_ReplayUsesRecordedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.rec")
	w, err := recording.Create(path, 320, 200)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, opts, err := parse(t, "--replay", path, "--width", "800")
	if err != nil {
		t.Fatal(err)
	}
	if err := resolveEngine(opts, cfg); err != nil {
		t.Fatalf("resolveEngine: %v", err)
	}
	if cfg.Target.Engine != "replay" || cfg.Target.Width != 320 || cfg.Target.Height != 200 {
		t.Errorf("target = %+v", cfg.Target)
	}

	cfg, opts, _ = parse(t, "--replay", filepath.Join(t.TempDir(), "missing.rec"))
	if err := resolveEngine(opts, cfg); err == nil {
		t.Error("resolveEngine accepted a missing recording")
	}
}

func TestEnginesRegistered(t *testing.T) {
	have := map[string]bool{}
	for _, e := range rdp.Engines() {
		have[e] = true
	}
	for _, want := range []string{"mock", "replay"} {
		if !have[want] {
			t.Errorf("engine %q not registered; have %v", want, rdp.Engines())
		}
	}
}

func TestIsLoopback(t *testing.T) {
	for host, want := range map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   false,
		"10.1.2.3":  false,
		"":          false,
	} {
		if got := isLoopback(host); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", host, got, want)
		}
	}
}
