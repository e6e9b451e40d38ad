package proxy

import (
	"log/slog"
	"time"

	"github.com/die-net/mimic/internal/backend"
	"github.com/die-net/mimic/internal/dialer"
	"github.com/die-net/mimic/internal/metrics"
	"github.com/die-net/mimic/internal/policy"
	"github.com/die-net/mimic/internal/tunnel"
)

// Config is fixed for the life of a Server. Only the header policy can be
// swapped later, with SetPolicy.
type Config struct {
	// NegotiationTimeout bounds reading the request head and body.
	NegotiationTimeout time.Duration
	// DialTimeout bounds connecting to a CONNECT target.
	DialTimeout time.Duration
	// MaxBodyBytes caps request bodies. Zero means no cap.
	MaxBodyBytes int64
	Tunnel       tunnel.Config

	Dialer  dialer.Dialer
	Gateway backend.Gateway
	Policy  *policy.Policy

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the stock timeouts and limits. Dialer and Gateway
// must still be set.
func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: 10 * time.Second,
		DialTimeout:        10 * time.Second,
		MaxBodyBytes:       32 << 20,
		Tunnel:             tunnel.DefaultConfig(),
		Policy:             policy.Default(),
	}
}
