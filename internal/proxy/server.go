package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/mimic/internal/message"
	"github.com/die-net/mimic/internal/metrics"
	"github.com/die-net/mimic/internal/policy"
	"github.com/die-net/mimic/internal/tunnel"
)

// ErrTargetConnect reports a CONNECT target that could not be reached.
var ErrTargetConnect = errors.New("connect to target failed")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts client connections and serves one request on each.
type Server struct {
	ctx     context.Context
	cfg     Config
	policy  atomic.Pointer[policy.Policy]
	fwd     *Forwarder
	relay   func(ctx context.Context, client, target net.Conn, cfg tunnel.Config) tunnel.Outcome
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewServer returns a Server whose sessions end when ctx is canceled.
func NewServer(ctx context.Context, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	logger := cfg.Logger.With("component", "proxy")

	s := &Server{
		ctx:     ctx,
		cfg:     cfg,
		fwd:     NewForwarder(cfg.Gateway, logger, cfg.Metrics),
		relay:   tunnel.Relay,
		logger:  logger,
		metrics: cfg.Metrics,
	}
	s.policy.Store(cfg.Policy)
	return s
}

// SetPolicy replaces the header policy. Requests already being forwarded
// keep the policy they started with.
func (s *Server) SetPolicy(p *policy.Policy) {
	s.policy.Store(p)
}

// Policy returns the current header policy.
func (s *Server) Policy() *policy.Policy {
	return s.policy.Load()
}

// Serve accepts connections on ln until it is closed, then returns nil.
// Transient accept errors are retried with backoff.
func (s *Server) Serve(ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return nil
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.logger.Warn("accept failed; retrying", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Wait blocks until every session started by Serve has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	kind := metrics.KindInvalid
	s.metrics.ConnOpened()
	defer func() { s.metrics.ConnClosed(kind) }()

	defer conn.Close()

	log := s.logger.With("remote", conn.RemoteAddr().String())

	defer func() {
		if r := recover(); r != nil {
			log.Error("session panic", "panic", r, "stack", string(debug.Stack()))
			s.writeError(conn, http.StatusInternalServerError, "internal error")
		}
	}()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}
	br := bufio.NewReader(conn)
	req, err := message.ReadRequest(br, s.cfg.MaxBodyBytes)
	if err != nil {
		s.rejectRequest(conn, log, err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	log = log.With("method", req.Method, "target", req.Target)

	if req.IsConnect() {
		kind = metrics.KindConnect
		s.handleConnect(conn, br, req, log)
		return
	}

	kind = metrics.KindForward
	w := &deadlineWriter{conn: conn, timeout: s.cfg.Tunnel.WriteTimeout}
	if err := s.fwd.Forward(s.ctx, w, req, s.policy.Load()); err != nil {
		log.Debug("write response failed", "err", err)
		return
	}
	log.Debug("request forwarded")
}

// rejectRequest answers a request that could not be read. A client that
// sent nothing, or went quiet, gets no response.
func (s *Server) rejectRequest(conn net.Conn, log *slog.Logger, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, os.ErrDeadlineExceeded):
		log.Debug("no request", "err", err)
		return
	case errors.Is(err, message.ErrBodyTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, message.ErrLengthRequired):
		code = http.StatusLengthRequired
	}

	log.Debug("bad request", "status", code, "err", err)
	s.writeError(conn, code, err.Error())
}

func (s *Server) handleConnect(conn net.Conn, br *bufio.Reader, req *message.InboundRequest, log *slog.Logger) {
	dctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.cfg.DialTimeout > 0 {
		dctx, cancel = context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	}
	target, err := s.cfg.Dialer.DialContext(dctx, "tcp", req.Target)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrTargetConnect, err)
		log.Debug("connect failed", "err", err)
		s.writeError(conn, http.StatusBadGateway, err.Error())
		return
	}

	w := &deadlineWriter{conn: conn, timeout: s.cfg.Tunnel.WriteTimeout}
	if _, err := io.WriteString(w, message.ConnectEstablished); err != nil {
		_ = target.Close()
		log.Debug("write connect reply failed", "err", err)
		return
	}

	var client net.Conn = conn
	if br.Buffered() > 0 {
		client = &bufferedConn{Conn: conn, r: br}
	}

	out := s.relay(s.ctx, client, target, s.cfg.Tunnel)
	s.metrics.TunnelEnded(string(out.Reason), out.ClientToTarget, out.TargetToClient)
	log.Debug("tunnel closed", "reason", out.Reason, "up", out.ClientToTarget, "down", out.TargetToClient, "err", out.Err)
}

func (s *Server) writeError(conn net.Conn, code int, msg string) {
	s.metrics.SessionError(code)
	w := &deadlineWriter{conn: conn, timeout: s.cfg.Tunnel.WriteTimeout}
	_ = message.WriteError(w, code, msg)
}
