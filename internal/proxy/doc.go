// Package proxy implements the listening side of mimic: a forward proxy
// that tunnels CONNECT requests byte for byte and replays every other
// request through a browser-impersonating backend.
//
// Each accepted connection carries exactly one request and is closed once
// the tunnel or the response is done.
package proxy
