package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// SSHProxyDialer forwards outbound TCP connections through an SSH server,
// like ssh -D. It keeps one shared SSH transport, created lazily, and opens
// a "direct-tcpip" channel on it per DialContext call. A transport failure
// while opening a channel drops the transport, reconnects once, and retries.
type SSHProxyDialer struct {
	sshAddr          string
	clientConfig     *ssh.ClientConfig
	handshakeTimeout time.Duration
	direct           Dialer

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer constructs a dialer for the SSH server at sshAddr. Key
// and password auth are both offered when both are configured.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	signers, err := loadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	hkc, err := hostKeyCallback(cfg.SSHKnownHostsPath, cfg.logger())
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	var auth []ssh.AuthMethod
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}

	return &SSHProxyDialer{
		sshAddr: sshAddr,
		clientConfig: &ssh.ClientConfig{
			User:            username,
			Auth:            auth,
			HostKeyCallback: hkc,
			Timeout:         cfg.DialTimeout,
		},
		handshakeTimeout: cfg.NegotiationTimeout,
		direct:           NewDirectDialer(cfg),
	}, nil
}

// DialContext opens a channel to address. Canceling ctx closes the returned
// channel but not the shared transport.
func (d *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork("ssh proxy", network, address); err != nil {
		return nil, err
	}

	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The transport is fine; the destination is not.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}

		d.invalidateClient(client)
		client, err2 := d.getClient(ctx)
		if err2 != nil {
			return nil, err2
		}
		conn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return &sshChannelConn{Conn: conn, stop: stop}, nil
}

// Close drops the shared transport.
func (d *SSHProxyDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// getClient returns the shared client, connecting once for all concurrent
// callers. A caller whose ctx ends stops waiting; the attempt carries on for
// the others.
func (d *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if d.client != nil {
			c := d.client
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		c, err := d.dialSSH(context.Background())
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSHProxyDialer) dialSSH(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.direct.DialContext(ctx, "tcp", d.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	if d.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.handshakeTimeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, d.sshAddr, d.clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(cc, chans, reqs), nil
}

// invalidateClient drops client if it is still the shared one.
func (d *SSHProxyDialer) invalidateClient(client *ssh.Client) {
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	_ = client.Close()
}

// sshChannelConn is one "direct-tcpip" channel.
type sshChannelConn struct {
	net.Conn
	stop func() bool
}

func (c *sshChannelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
