package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/die-net/mimic/internal/backend"
	"github.com/die-net/mimic/internal/message"
	"github.com/die-net/mimic/internal/metrics"
	"github.com/die-net/mimic/internal/policy"
)

// Forwarder turns one parsed client request into one backend call and
// writes the framed result back to the client.
type Forwarder struct {
	gateway backend.Gateway
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder returns a Forwarder that calls gw. logger and m may be nil.
func NewForwarder(gw backend.Gateway, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{gateway: gw, logger: logger, metrics: m}
}

// Forward replays req through the backend under policy p and writes the
// response to w. Backend failures become error responses; the returned
// error only reports a failed write.
func (f *Forwarder) Forward(ctx context.Context, w io.Writer, req *message.InboundRequest, p *policy.Policy) error {
	res := f.result(ctx, req, p)
	return message.WriteResult(w, res, req.Method)
}

func (f *Forwarder) result(ctx context.Context, req *message.InboundRequest, p *policy.Policy) (res *message.OutboundResult) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("forward panic", "method", req.Method, "target", req.Target, "panic", r, "stack", string(debug.Stack()))
			res = f.fail(http.StatusInternalServerError, "internal error")
		}
	}()

	target, err := TargetURL(req)
	if err != nil {
		return f.fail(http.StatusBadRequest, err.Error())
	}

	out, err := f.gateway.Execute(ctx, &backend.Request{
		Method: req.Method,
		URL:    target,
		Header: p.FilterRequest(req.Header),
		Body:   req.Body,
	})
	if err != nil {
		code := http.StatusBadGateway
		var berr *backend.Error
		if errors.As(err, &berr) && berr.Timeout() {
			code = http.StatusGatewayTimeout
		}
		f.logger.Debug("backend failed", "method", req.Method, "url", target, "err", err)
		return f.fail(code, "backend error: "+err.Error())
	}
	if out == nil {
		return f.fail(http.StatusBadGateway, "backend error: empty result")
	}

	return frame(out, req.Method, p)
}

func (f *Forwarder) fail(code int, msg string) *message.OutboundResult {
	f.metrics.SessionError(code)
	return message.ErrorResult(code, msg)
}

// frame applies the response policy and fixes the framing headers: the
// proxy always sends a Content-Length it computed itself and closes the
// connection afterwards.
func frame(out *message.OutboundResult, method string, p *policy.Policy) *message.OutboundResult {
	res := &message.OutboundResult{
		Status:  out.Status,
		Header:  p.FilterResponse(out.Header, out.Decoded),
		Body:    out.Body,
		Decoded: out.Decoded,
	}

	switch {
	case method == http.MethodHead && out.Decoded:
		// The origin's length is that of the encoded entity.
		res.Header = res.Header.Without("Content-Length")
	case method == http.MethodHead:
		// Keeps the origin's Content-Length for the entity it describes.
	case !bodyAllowed(out.Status):
		res.Header = res.Header.Without("Content-Length")
		res.Body = nil
	default:
		res.Header = res.Header.Without("Content-Length").Add("Content-Length", strconv.Itoa(len(res.Body)))
	}

	res.Header = res.Header.Add("Connection", "close")
	return res
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// TargetURL returns the absolute URL req should be sent to: the target
// itself in absolute form, or http:// plus the Host header plus the target
// in origin form.
func TargetURL(req *message.InboundRequest) (string, error) {
	t := req.Target
	if strings.HasPrefix(t, "/") {
		host := req.Host()
		if host == "" {
			return "", fmt.Errorf("%w: missing Host header", message.ErrMalformedRequest)
		}
		return "http://" + host + t, nil
	}

	u, err := url.Parse(t)
	if err != nil {
		return "", fmt.Errorf("%w: bad target %q: %w", message.ErrMalformedRequest, t, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: unsupported target %q", message.ErrMalformedRequest, t)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: target %q has no host", message.ErrMalformedRequest, t)
	}
	return t, nil
}
