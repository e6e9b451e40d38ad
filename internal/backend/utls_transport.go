package backend

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/die-net/mimic/internal/dialer"
)

// utlsTransport sends each https request on a fresh connection whose TLS
// ClientHello is the profile's. It speaks HTTP/2 when the server picks h2
// over ALPN and HTTP/1.1 otherwise. Closing the response body closes the
// connection.
type utlsTransport struct {
	hello    utls.ClientHelloID
	dialer   dialer.Dialer
	insecure bool
	roots    *x509.CertPool
}

func (t *utlsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}

	rawConn, err := t.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(rawConn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: t.insecure, //nolint:gosec // Off unless verification is requested.
		RootCAs:            t.roots,
		NextProtos:         []string{"h2", "http/1.1"},
	}, t.hello)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	// Reads and writes below do not watch ctx themselves.
	stop := context.AfterFunc(ctx, func() { _ = uconn.Close() })

	if uconn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		t2 := &http2.Transport{DisableCompression: true}
		cc, err := t2.NewClientConn(uconn)
		if err != nil {
			stop()
			_ = uconn.Close()
			return nil, fmt.Errorf("http2 client conn: %w", err)
		}
		resp, err := cc.RoundTrip(req)
		if err != nil {
			stop()
			_ = cc.Close()
			_ = uconn.Close()
			return nil, err
		}
		resp.Body = &connBody{ReadCloser: resp.Body, conn: uconn, closer: cc, stop: stop}
		return resp, nil
	}

	if err := writeRequest(uconn, req, headerOrder(ctx)); err != nil {
		stop()
		_ = uconn.Close()
		return nil, fmt.Errorf("write request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(uconn), req)
	if err != nil {
		stop()
		_ = uconn.Close()
		return nil, fmt.Errorf("read response: %w", err)
	}
	resp.Body = &connBody{ReadCloser: resp.Body, conn: uconn, stop: stop}
	return resp, nil
}

// connBody tears down the request's connection when the body is closed.
type connBody struct {
	io.ReadCloser
	conn   net.Conn
	closer io.Closer
	stop   func() bool
}

func (b *connBody) Close() error {
	b.stop()
	err := b.ReadCloser.Close()
	if b.closer != nil {
		_ = b.closer.Close()
	}
	_ = b.conn.Close()
	return err
}
