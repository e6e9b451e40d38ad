package proxy

import (
	"bufio"
	"net"
	"time"
)

// bufferedConn reads through the bufio.Reader that parsed the request head,
// so bytes the client sent right behind a CONNECT head reach the target.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// deadlineWriter bounds every Write to the client.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.Write(p)
}
