package dialer

import (
	"log/slog"
	"net"
	"time"
)

// Config holds settings shared by every dialer kind.
type Config struct {
	// DialTimeout bounds the TCP connect to the target or upstream.
	DialTimeout time.Duration
	// NegotiationTimeout bounds an upstream handshake (TLS, CONNECT,
	// SOCKS5, SSH). Zero disables it.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// SSHKeyPath is a private key file, "agent", or empty.
	SSHKeyPath string
	// SSHKnownHostsPath enables host key checking with trust on first use.
	// Empty disables checking.
	SSHKnownHostsPath string

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
