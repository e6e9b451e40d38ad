package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/die-net/mimic/internal/testutil"
)

type relayHarness struct {
	client net.Conn // what the proxy's client holds
	target net.Conn // what the tunneled server holds
	done   chan Outcome
}

func startRelay(ctx context.Context, t *testing.T, cfg Config) *relayHarness {
	t.Helper()

	client, proxyClient := testutil.TCPPair(ctx, t)
	proxyTarget, target := testutil.TCPPair(ctx, t)

	h := &relayHarness{client: client, target: target, done: make(chan Outcome, 1)}
	go func() {
		h.done <- Relay(ctx, proxyClient, proxyTarget, cfg)
	}()
	return h
}

func (h *relayHarness) wait(t *testing.T) Outcome {
	t.Helper()

	select {
	case out := <-h.done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return Outcome{}
	}
}

func expectEOF(t *testing.T, c net.Conn) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestRelayBothDirections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := startRelay(ctx, t, Config{IdleTimeout: 20 * time.Millisecond})

	testutil.AssertEcho(t, h.client, h.target, []byte("hello"))
	testutil.AssertEcho(t, h.target, h.client, []byte("world!"))

	payload := make([]byte, 100<<10)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	go func() { _, _ = h.client.Write(payload) }()
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(h.target, got); err != nil {
		t.Fatal(err)
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], payload[i])
		}
	}

	_ = h.client.Close()
	out := h.wait(t)

	if out.Reason != PeerClosed || out.Err != nil {
		t.Fatalf("got %s (%v), want %s", out.Reason, out.Err, PeerClosed)
	}
	if out.ClientToTarget != int64(5+len(payload)) || out.TargetToClient != 6 {
		t.Fatalf("counts %d/%d", out.ClientToTarget, out.TargetToClient)
	}
	expectEOF(t, h.target)
}

func TestRelayTargetClosePropagates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := startRelay(ctx, t, Config{})

	_ = h.target.Close()
	expectEOF(t, h.client)

	if out := h.wait(t); out.Reason != PeerClosed {
		t.Fatalf("got %s, want %s", out.Reason, PeerClosed)
	}
}

func TestRelayMaxIdle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	h := startRelay(ctx, t, Config{IdleTimeout: 10 * time.Millisecond, MaxIdle: 100 * time.Millisecond})

	out := h.wait(t)
	if out.Reason != Timeout {
		t.Fatalf("got %s (%v), want %s", out.Reason, out.Err, Timeout)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("ended after %v, before MaxIdle", elapsed)
	}
	expectEOF(t, h.client)
	expectEOF(t, h.target)
}

func TestRelayIdleTicksAreNotTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := startRelay(ctx, t, Config{IdleTimeout: 5 * time.Millisecond})

	// Many read deadlines expire here without ending the relay.
	time.Sleep(100 * time.Millisecond)
	select {
	case out := <-h.done:
		t.Fatalf("relay ended early: %s (%v)", out.Reason, out.Err)
	default:
	}

	testutil.AssertEcho(t, h.client, h.target, []byte("still here"))

	_ = h.client.Close()
	if out := h.wait(t); out.Reason != PeerClosed {
		t.Fatalf("got %s, want %s", out.Reason, PeerClosed)
	}
}

func TestRelayActivityResetsMaxIdle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := startRelay(ctx, t, Config{IdleTimeout: 5 * time.Millisecond, MaxIdle: 150 * time.Millisecond})

	for range 5 {
		time.Sleep(50 * time.Millisecond)
		testutil.AssertEcho(t, h.target, h.client, []byte("tick"))
	}

	if out := h.wait(t); out.Reason != Timeout {
		t.Fatalf("got %s, want %s", out.Reason, Timeout)
	}
}

func TestRelayCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relayCtx, cancelRelay := context.WithCancel(ctx)
	h := startRelay(relayCtx, t, Config{})

	cancelRelay()
	out := h.wait(t)
	if out.Reason != Canceled {
		t.Fatalf("got %s, want %s", out.Reason, Canceled)
	}
	expectEOF(t, h.client)
}

func TestConfigDefaults(t *testing.T) {
	got := Config{MaxIdle: -1}.withDefaults()
	want := DefaultConfig()
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestRelayResetIsIOError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h := startRelay(ctx, t, Config{IdleTimeout: 20 * time.Millisecond})
	testutil.AssertEcho(t, h.client, h.target, []byte("before reset"))

	// Linger 0 makes Close send RST instead of FIN.
	if err := h.target.(*net.TCPConn).SetLinger(0); err != nil {
		t.Fatal(err)
	}
	_ = h.target.Close()

	out := h.wait(t)
	if out.Reason != IOError {
		t.Fatalf("reason %q err %v, want %q", out.Reason, out.Err, IOError)
	}
	if out.Err == nil {
		t.Fatal("io-error outcome without an error")
	}
	if out.ClientToTarget != int64(len("before reset")) {
		t.Fatalf("client->target %d", out.ClientToTarget)
	}
	expectEOF(t, h.client)
}
