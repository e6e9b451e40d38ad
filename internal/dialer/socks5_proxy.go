package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a dialer for the SOCKS5 proxy at
// proxyAddr. Username/password auth is offered when username is non-empty.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		username:  username,
		password:  password,
		direct:    NewDirectDialer(cfg),
	}
}

// DialContext connects to address through the proxy. Canceling ctx aborts
// the handshake.
func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork("socks5 proxy", network, address); err != nil {
		return nil, err
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}

	err = d.negotiate(c)
	if err == nil {
		err = connect(c, address)
	}
	if err != nil {
		_ = c.Close()
		// A canceled handshake fails on the closed conn; report why.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}

	if !stop() {
		_ = c.Close()
		return nil, ctx.Err()
	}
	_ = c.SetDeadline(time.Time{})
	return c, nil
}

func (d *SOCKS5ProxyDialer) negotiate(c net.Conn) error {
	methods := []byte{socks5.MethodNone}
	if d.username != "" {
		methods = append(methods, socks5.MethodUsernamePassword)
	}

	if _, err := socks5.NewNegotiationRequest(methods).WriteTo(c); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := socks5.NewNegotiationReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case socks5.MethodNone:
		return nil
	case socks5.MethodUsernamePassword:
		if d.username == "" {
			return errors.New("proxy requires username/password")
		}
		if _, err := socks5.NewUserPassNegotiationRequest([]byte(d.username), []byte(d.password)).WriteTo(c); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := socks5.NewUserPassNegotiationReplyFrom(c)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != socks5.UserPassStatusSuccess {
			return errors.New("auth failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
}

func connect(c net.Conn, address string) error {
	atyp, dstAddr, dstPort, err := socks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	if atyp == socks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := socks5.NewRequest(socks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(c); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := socks5.NewReplyFrom(c)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != socks5.RepSuccess {
		return fmt.Errorf("connect refused: reply code %d", rep.Rep)
	}
	return nil
}
