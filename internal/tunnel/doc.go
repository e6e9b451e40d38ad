// Package tunnel relays opaque bytes between a client connection and a
// target connection until one side closes, an I/O error occurs, the relay
// goes idle for too long, or its context is canceled.
package tunnel
