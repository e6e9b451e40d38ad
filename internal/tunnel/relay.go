package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reason says why a relay ended.
type Reason string

const (
	PeerClosed Reason = "peer-closed"
	Timeout    Reason = "timeout"
	IOError    Reason = "io-error"
	Canceled   Reason = "canceled"
)

// Config bounds a relay's waits. Zero fields take the DefaultConfig value,
// except MaxIdle where zero means no limit.
type Config struct {
	// IdleTimeout bounds each individual read. Hitting it only triggers a
	// MaxIdle check; it never ends the relay by itself.
	IdleTimeout time.Duration
	// MaxIdle ends the relay when no byte has moved in either direction for
	// this long. Zero disables it.
	MaxIdle time.Duration
	// WriteTimeout bounds each write.
	WriteTimeout time.Duration
	// BufferSize is the largest chunk read at once per direction.
	BufferSize int
}

// DefaultConfig returns the stock relay settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  500 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		BufferSize:   8 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.MaxIdle < 0 {
		c.MaxIdle = 0
	}
	return c
}

// Outcome summarizes a finished relay.
type Outcome struct {
	ClientToTarget int64
	TargetToClient int64
	Reason         Reason
	// Err is the error that ended the relay. It is nil for PeerClosed.
	Err error
}

var (
	errPeerClosed = errors.New("peer closed")
	errIdle       = errors.New("tunnel idle too long")
)

// Relay copies bytes between client and target in both directions until the
// relay ends, then closes both connections. It blocks until both directions
// have stopped.
func Relay(ctx context.Context, client, target net.Conn, cfg Config) Outcome {
	cfg = cfg.withDefaults()

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
		})
	}
	defer closeBoth()

	r := &relay{cfg: cfg, pool: poolFor(cfg.BufferSize)}
	r.touch()

	var up, down atomic.Int64
	g.Go(func() error { return r.pipe(target, client, &up) })
	g.Go(func() error { return r.pipe(client, target, &down) })

	// Whichever direction finishes first cancels gctx; closing both conns
	// unblocks the other one.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err := g.Wait()

	out := Outcome{ClientToTarget: up.Load(), TargetToClient: down.Load(), Err: err}
	switch {
	case ctx.Err() != nil:
		out.Reason, out.Err = Canceled, ctx.Err()
	case errors.Is(err, errPeerClosed):
		out.Reason, out.Err = PeerClosed, nil
	case errors.Is(err, errIdle):
		out.Reason = Timeout
	default:
		out.Reason = IOError
	}
	return out
}

type relay struct {
	cfg  Config
	pool *bufferPool
	// last is the UnixNano time any byte last moved in either direction.
	last atomic.Int64
}

func (r *relay) touch() {
	r.last.Store(time.Now().UnixNano())
}

func (r *relay) idleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - r.last.Load())
}

// pipe copies src to dst. It always returns a non-nil error so the group
// cancels as soon as either direction stops.
func (r *relay) pipe(dst, src net.Conn, n *atomic.Int64) error {
	bp := r.pool.Get()
	defer r.pool.Put(bp)
	buf := *bp

	for {
		_ = src.SetReadDeadline(time.Now().Add(r.cfg.IdleTimeout))
		nr, rerr := src.Read(buf)
		if nr > 0 {
			r.touch()
			_ = dst.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			nw, werr := dst.Write(buf[:nr])
			n.Add(int64(nw))
			if werr != nil {
				return werr
			}
			r.touch()
		}

		switch {
		case rerr == nil && nr == 0:
			return errPeerClosed
		case rerr == nil:
		case errors.Is(rerr, os.ErrDeadlineExceeded):
			if r.cfg.MaxIdle > 0 && r.idleFor() >= r.cfg.MaxIdle {
				return errIdle
			}
		case errors.Is(rerr, io.EOF):
			return errPeerClosed
		default:
			return rerr
		}
	}
}
