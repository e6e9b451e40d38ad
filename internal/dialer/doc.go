// Package dialer provides the outbound dialers mimic uses to reach CONNECT
// targets and backend origins.
//
// Dialers implement a small interface (DialContext) and connect either
// directly or via an upstream proxy (HTTP CONNECT, SOCKS5, or SSH).
package dialer
