package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/die-net/mimic/internal/message"
)

type headerOrderKey struct{}

// withHeaderOrder records the field order h should go out in. Redirects
// made by http.Client inherit it through the request context.
func withHeaderOrder(ctx context.Context, h message.Header) context.Context {
	return context.WithValue(ctx, headerOrderKey{}, h)
}

func headerOrder(ctx context.Context) message.Header {
	h, _ := ctx.Value(headerOrderKey{}).(message.Header)
	return h
}

// Framing fields are written by writeRequest itself.
var framingFields = []string{"Host", "Content-Length", "Transfer-Encoding"}

// writeRequest writes req as HTTP/1.1. Fields named in order come first,
// spelled and sequenced as order has them; values always come from
// req.Header, so fields the client dropped (on a cross-host redirect, say)
// stay dropped. Remaining fields follow in sorted order.
func writeRequest(w io.Writer, req *http.Request, order message.Header) error {
	bw := bufio.NewWriter(w)

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\nHost: %s\r\n", req.Method, req.URL.RequestURI(), host)

	written := make(map[string]bool, len(req.Header))
	writeField := func(name string) {
		key := http.CanonicalHeaderKey(name)
		if written[key] || slices.Contains(framingFields, key) {
			return
		}
		written[key] = true
		for _, v := range req.Header.Values(key) {
			bw.WriteString(name)
			bw.WriteString(": ")
			bw.WriteString(v)
			bw.WriteString("\r\n")
		}
	}
	for _, f := range order {
		writeField(f.Name)
	}
	for _, k := range slices.Sorted(maps.Keys(req.Header)) {
		writeField(k)
	}

	switch {
	case req.ContentLength > 0:
		bw.WriteString("Content-Length: " + strconv.FormatInt(req.ContentLength, 10) + "\r\n")
	case methodWantsLength(req.Method):
		bw.WriteString("Content-Length: 0\r\n")
	}
	bw.WriteString("\r\n")

	if req.ContentLength > 0 && req.Body != nil {
		if _, err := io.Copy(bw, req.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func methodWantsLength(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
