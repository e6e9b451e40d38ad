package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/die-net/mimic/internal/dialer"
	"github.com/die-net/mimic/internal/message"
	"github.com/die-net/mimic/internal/metrics"
)

// Impersonator is a Gateway that looks like a browser to the origin.
type Impersonator struct {
	opts    Options
	profile Profile
	client  *http.Client
	plain   *http.Transport
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ Gateway = (*Impersonator)(nil)

// New builds an Impersonator that reaches origins through d. logger and m may
// be nil.
func New(opts Options, d dialer.Dialer, logger *slog.Logger, m *metrics.Metrics) (*Impersonator, error) {
	profile, err := LookupProfile(opts.Profile)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultOptions().MaxRedirects
	}

	g := &Impersonator{
		opts:    opts,
		profile: profile,
		plain:   newPlainTransport(d),
		logger:  logger,
		metrics: m,
	}
	if opts.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	g.client = &http.Client{
		Transport: &schemeTransport{
			plain: g.plain,
			tls: &utlsTransport{
				hello:    profile.Hello,
				dialer:   d,
				insecure: !opts.VerifyTLS,
				roots:    opts.RootCAs,
			},
		},
		CheckRedirect: g.checkRedirect,
		Timeout:       opts.Timeout,
	}
	return g, nil
}

// newPlainTransport builds the transport for http URLs. An HTTP upstream
// proxy is used as a real proxy rather than tunneled through.
func newPlainTransport(d dialer.Dialer) *http.Transport {
	t := &http.Transport{
		DialContext:         d.DialContext,
		DisableCompression:  true,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if up, ok := d.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		t.DialContext = up.Direct().DialContext
	}
	return t
}

func (g *Impersonator) checkRedirect(_ *http.Request, via []*http.Request) error {
	if !g.opts.FollowRedirects {
		return http.ErrUseLastResponse
	}
	if len(via) >= g.opts.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	return nil
}

// Profile returns the browser profile in use.
func (g *Impersonator) Profile() Profile {
	return g.profile
}

// Close releases idle plain-http connections.
func (g *Impersonator) Close() {
	g.plain.CloseIdleConnections()
}

// Execute sends req with the profile's headers underneath the caller's and
// returns the complete, decoded response.
func (g *Impersonator) Execute(ctx context.Context, req *Request) (*message.OutboundResult, error) {
	start := time.Now()

	res, err := g.execute(ctx, req)
	status := 0
	if res != nil {
		status = res.Status
	}
	g.metrics.BackendDone(req.Method, status, time.Since(start))

	if err != nil {
		g.logger.Debug("backend request failed", "method", req.Method, "url", req.URL, "err", err)
		return nil, err
	}
	g.logger.Debug("backend request", "method", req.Method, "url", req.URL,
		"status", res.Status, "bytes", len(res.Body), "decoded", res.Decoded, "elapsed", time.Since(start))
	return res, nil
}

func (g *Impersonator) execute(ctx context.Context, req *Request) (*message.OutboundResult, error) {
	fail := func(op string, err error) (*message.OutboundResult, error) {
		return nil, &Error{Op: op, URL: req.URL, Err: err}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fail("rate limit", err)
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	header := g.profile.apply(req.Header)
	hreq, err := http.NewRequestWithContext(withHeaderOrder(ctx, header), req.Method, req.URL, body)
	if err != nil {
		return fail("build request", err)
	}
	switch hreq.URL.Scheme {
	case "http", "https":
	default:
		return fail("build request", fmt.Errorf("unsupported scheme %q", hreq.URL.Scheme))
	}
	hreq.Header = header.HTTP()

	resp, err := g.client.Do(hreq)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fail(req.Method, err)
	}
	defer resp.Body.Close()

	raw, err := readLimited(resp.Body, g.opts.MaxResponseBytes)
	if err != nil {
		return fail("read body", err)
	}

	decoded, ok, err := decodeBody(resp.Header.Get("Content-Encoding"), raw, g.opts.MaxResponseBytes)
	if err != nil {
		return fail("decode body", err)
	}

	return &message.OutboundResult{
		Status:  resp.StatusCode,
		Header:  message.FromHTTP(resp.Header),
		Body:    decoded,
		Decoded: ok,
	}, nil
}

// schemeTransport sends https through the impersonating transport and
// everything else through the plain one.
type schemeTransport struct {
	plain http.RoundTripper
	tls   http.RoundTripper
}

func (t *schemeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "https" {
		return t.tls.RoundTrip(req)
	}
	return t.plain.RoundTrip(req)
}
