package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elemento-modular-cloud/rdpbridge/internal/rdp"
)

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Target    TargetConfig    `yaml:"target"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Input     InputConfig     `yaml:"input"`
	Recording RecordingConfig `yaml:"recording"`
	Journal   JournalConfig   `yaml:"journal"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	StaticDir      string   `yaml:"static_dir"`
	MaxConnections int      `yaml:"max_connections"`
	SendBuffer     int      `yaml:"send_buffer"`
}

// TargetConfig selects the session engine and describes the remote host.
type TargetConfig struct {
	Engine           string `yaml:"engine"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	Domain           string `yaml:"domain"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	PasswordHash     string `yaml:"password_hash"`
	Name             string `yaml:"name"`
	Layout           string `yaml:"layout"`
	RestrictedAdmin  bool   `yaml:"restricted_admin"`
	AutoLogon        bool   `yaml:"auto_logon"`
	BlankCreds       bool   `yaml:"blank_creds"`
	CheckCertificate bool   `yaml:"check_certificate"`
	SSLOnly          bool   `yaml:"ssl_only"`
	Source           string `yaml:"source"` // replay file for the replay engine
}

type BridgeConfig struct {
	BroadcastInterval     time.Duration `yaml:"broadcast_interval"`
	QueuePollInterval     time.Duration `yaml:"queue_poll_interval"`
	ReadinessPollInterval time.Duration `yaml:"readiness_poll_interval"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
}

type InputConfig struct {
	RateLimit float64 `yaml:"rate_limit"` // events per second per client, 0 = off
	Burst     int     `yaml:"burst"`
}

type RecordingConfig struct {
	Path string `yaml:"path"`
}

type JournalConfig struct {
	Path string `yaml:"path"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       9000,
			SendBuffer: 4,
		},
		Target: TargetConfig{
			Engine: "rdp",
			Port:   3389,
			Width:  1600,
			Height: 1200,
			Name:   "rdpbridge",
			Layout: string(rdp.LayoutUS),
		},
		Bridge: BridgeConfig{
			BroadcastInterval:     33 * time.Millisecond,
			QueuePollInterval:     50 * time.Millisecond,
			ReadinessPollInterval: 100 * time.Millisecond,
			ShutdownTimeout:       5 * time.Second,
		},
		Input: InputConfig{
			Burst: 50,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate checks the values the bridge cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("%w: server.max_connections must not be negative", ErrInvalid)
	}
	if c.Target.Engine == "" {
		return fmt.Errorf("%w: target.engine is empty", ErrInvalid)
	}
	if err := c.Settings().Validate(); err != nil {
		return fmt.Errorf("%w: target: %v", ErrInvalid, err)
	}
	if c.Bridge.BroadcastInterval <= 0 || c.Bridge.QueuePollInterval <= 0 || c.Bridge.ReadinessPollInterval <= 0 {
		return fmt.Errorf("%w: bridge intervals must be positive", ErrInvalid)
	}
	if c.Input.RateLimit < 0 {
		return fmt.Errorf("%w: input.rate_limit must not be negative", ErrInvalid)
	}
	return nil
}

// Settings converts the target section into session settings.
func (c *Config) Settings() rdp.Settings {
	t := c.Target
	return rdp.Settings{
		Host:             t.Host,
		Port:             t.Port,
		Width:            t.Width,
		Height:           t.Height,
		Domain:           t.Domain,
		Username:         t.Username,
		Password:         t.Password,
		PasswordHash:     t.PasswordHash,
		Name:             t.Name,
		Layout:           rdp.KeyboardLayout(t.Layout),
		RestrictedAdmin:  t.RestrictedAdmin,
		AutoLogon:        t.AutoLogon,
		BlankCreds:       t.BlankCreds,
		CheckCertificate: t.CheckCertificate,
		UseNLA:           !t.SSLOnly,
		Source:           t.Source,
	}
}

// Addr is the WebSocket listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a random 128-bit hex token for server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists the settings that differ between two configs, in a form
// suitable for logging. Secrets are never printed.
func Diff(old, new *Config) []string {
	var changes []string
	add := func(key string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", key, a, b))
		}
	}
	secret := func(key, a, b string) {
		if a != b {
			changes = append(changes, key+": changed")
		}
	}

	add("server.host", old.Server.Host, new.Server.Host)
	add("server.port", old.Server.Port, new.Server.Port)
	secret("server.auth_token", old.Server.AuthToken, new.Server.AuthToken)
	add("server.allowed_origins", old.Server.AllowedOrigins, new.Server.AllowedOrigins)
	add("server.static_dir", old.Server.StaticDir, new.Server.StaticDir)
	add("server.max_connections", old.Server.MaxConnections, new.Server.MaxConnections)
	add("server.send_buffer", old.Server.SendBuffer, new.Server.SendBuffer)

	add("target.engine", old.Target.Engine, new.Target.Engine)
	add("target.host", old.Target.Host, new.Target.Host)
	add("target.port", old.Target.Port, new.Target.Port)
	add("target.width", old.Target.Width, new.Target.Width)
	add("target.height", old.Target.Height, new.Target.Height)
	add("target.domain", old.Target.Domain, new.Target.Domain)
	add("target.username", old.Target.Username, new.Target.Username)
	secret("target.password", old.Target.Password, new.Target.Password)
	secret("target.password_hash", old.Target.PasswordHash, new.Target.PasswordHash)
	add("target.name", old.Target.Name, new.Target.Name)
	add("target.layout", old.Target.Layout, new.Target.Layout)
	add("target.restricted_admin", old.Target.RestrictedAdmin, new.Target.RestrictedAdmin)
	add("target.auto_logon", old.Target.AutoLogon, new.Target.AutoLogon)
	add("target.blank_creds", old.Target.BlankCreds, new.Target.BlankCreds)
	add("target.check_certificate", old.Target.CheckCertificate, new.Target.CheckCertificate)
	add("target.ssl_only", old.Target.SSLOnly, new.Target.SSLOnly)
	add("target.source", old.Target.Source, new.Target.Source)

	add("bridge.broadcast_interval", old.Bridge.BroadcastInterval, new.Bridge.BroadcastInterval)
	add("bridge.queue_poll_interval", old.Bridge.QueuePollInterval, new.Bridge.QueuePollInterval)
	add("bridge.readiness_poll_interval", old.Bridge.ReadinessPollInterval, new.Bridge.ReadinessPollInterval)
	add("bridge.shutdown_timeout", old.Bridge.ShutdownTimeout, new.Bridge.ShutdownTimeout)

	add("input.rate_limit", old.Input.RateLimit, new.Input.RateLimit)
	add("input.burst", old.Input.Burst, new.Input.Burst)
	add("recording.path", old.Recording.Path, new.Recording.Path)
	add("journal.path", old.Journal.Path, new.Journal.Path)

	return changes
}
