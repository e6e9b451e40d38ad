// Package backend performs outbound HTTP requests on behalf of proxy clients
// while presenting the TLS and header fingerprint of a real browser.
package backend

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"time"

	"github.com/die-net/mimic/internal/message"
)

// Gateway performs one outbound request per Execute call. It never retries
// and never returns a partial result: either the full response or an error.
type Gateway interface {
	Execute(ctx context.Context, req *Request) (*message.OutboundResult, error)
}

// Request is an outbound request. Header has already been filtered by the
// caller's header policy.
type Request struct {
	Method string
	URL    string
	Header message.Header
	Body   []byte
}

// Error is the only error type Execute returns.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	return e.Op + " " + e.URL + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request ran out of time.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Options configures an Impersonator.
type Options struct {
	// Profile names the browser to impersonate. See Profiles.
	Profile string
	// VerifyTLS enables certificate verification against RootCAs, or the
	// system pool when RootCAs is nil.
	VerifyTLS bool
	RootCAs   *x509.CertPool
	// Timeout bounds a whole Execute call, redirects included.
	Timeout time.Duration
	// FollowRedirects makes the gateway follow up to MaxRedirects hops
	// instead of returning the 3xx response.
	FollowRedirects bool
	MaxRedirects    int
	// RequestsPerSecond limits outbound calls. Zero means unlimited.
	RequestsPerSecond float64
	// MaxResponseBytes bounds the response body before and after decoding.
	// Zero means unlimited.
	MaxResponseBytes int64
}

// DefaultOptions returns the stock gateway settings.
func DefaultOptions() Options {
	return Options{
		Profile:          "chrome",
		Timeout:          30 * time.Second,
		MaxRedirects:     10,
		MaxResponseBytes: 256 << 20,
	}
}
