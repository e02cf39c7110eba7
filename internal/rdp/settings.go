package rdp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// KeyboardLayout is the layout announced to the server during connection.
type KeyboardLayout string

const (
	LayoutUS     KeyboardLayout = "us"
	LayoutFrench KeyboardLayout = "fr"
)

// Settings carries everything an engine needs to open a session.
type Settings struct {
	Host string
	Port int

	Width  int
	Height int

	Domain   string
	Username string
	Password string
	// PasswordHash is a hex-encoded NTLM hash used instead of Password.
	PasswordHash string

	Name             string
	Layout           KeyboardLayout
	RestrictedAdmin  bool
	AutoLogon        bool
	BlankCreds       bool
	CheckCertificate bool
	UseNLA           bool

	// Source names the input of engines that do not dial a host, such as a
	// recording file for the replay engine.
	Source string
}

// Addr returns host:port.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// HashBytes decodes PasswordHash. It returns nil when no hash is set.
func (s Settings) HashBytes() ([]byte, error) {
	if s.PasswordHash == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("cannot parse the input hash: %w", err)
	}
	return b, nil
}

// Validate checks the fields every engine relies on.
func (s Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid screen size %dx%d: width and height must be positive", s.Width, s.Height)
	}
	if s.Width > 0xFFFF || s.Height > 0xFFFF {
		return fmt.Errorf("invalid screen size %dx%d: exceeds 65535", s.Width, s.Height)
	}
	switch s.Layout {
	case "", LayoutUS, LayoutFrench:
	default:
		return fmt.Errorf("unsupported keyboard layout %q (want us or fr)", s.Layout)
	}
	if s.Port < 0 || s.Port > 0xFFFF {
		return errors.New("port out of range")
	}
	if _, err := s.HashBytes(); err != nil {
		return err
	}
	return nil
}
