package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRequest reports a request line, header block or CONNECT
	// target that cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrBodyTooLarge reports a Content-Length above the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrLengthRequired reports a body framed other than by Content-Length.
	ErrLengthRequired = errors.New("content-length required")
)

// maxHeaderBytes bounds the request line plus header block.
const maxHeaderBytes = 1 << 20

// InboundRequest is one fully read client request. It is not modified after
// ReadRequest returns it.
type InboundRequest struct {
	Method string
	// Target is the request-target: an absolute URL for forward proxy
	// requests, host:port for CONNECT, or an origin-form path.
	Target string
	Proto  string
	Header Header
	// Body is nil unless Content-Length was greater than zero.
	Body []byte
}

// IsConnect reports whether r opens a tunnel.
func (r *InboundRequest) IsConnect() bool {
	return r.Method == http.MethodConnect
}

// Host returns the Host header value.
func (r *InboundRequest) Host() string {
	return r.Header.Get("Host")
}

// ReadRequest reads one request from br. For CONNECT only the head is
// consumed; anything after it belongs to the tunnel. For other methods the
// body is read in full when Content-Length is present. maxBody <= 0 disables
// the body size limit.
func ReadRequest(br *bufio.Reader, maxBody int64) (*InboundRequest, error) {
	hr := &headReader{br: br}

	line, err := hr.line()
	if err != nil {
		return nil, err
	}
	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	req.Header, err = hr.header()
	if err != nil {
		return nil, err
	}

	if req.IsConnect() {
		if err := validateAuthority(req.Target); err != nil {
			return nil, err
		}
		return req, nil
	}

	if req.Header.Has("Transfer-Encoding") {
		return nil, ErrLengthRequired
	}
	n, err := contentLength(req.Header)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return req, nil
	}
	if maxBody > 0 && n > maxBody {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, n)
	}

	req.Body = make([]byte, n)
	if _, err := io.ReadFull(br, req.Body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return req, nil
}

func parseRequestLine(line string) (*InboundRequest, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformedRequest, line)
	}
	if _, _, ok := http.ParseHTTPVersion(parts[2]); !ok {
		return nil, fmt.Errorf("%w: bad version %q", ErrMalformedRequest, parts[2])
	}
	if !isToken(parts[0]) {
		return nil, fmt.Errorf("%w: bad method %q", ErrMalformedRequest, parts[0])
	}
	return &InboundRequest{Method: parts[0], Target: parts[1], Proto: parts[2]}, nil
}

func validateAuthority(target string) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("%w: connect target %q: %w", ErrMalformedRequest, target, err)
	}
	if host == "" {
		return fmt.Errorf("%w: connect target %q has no host", ErrMalformedRequest, target)
	}
	if p, err := strconv.ParseUint(port, 10, 16); err != nil || p == 0 {
		return fmt.Errorf("%w: connect target %q has bad port", ErrMalformedRequest, target)
	}
	return nil
}

func contentLength(h Header) (int64, error) {
	vals := h.Values("Content-Length")
	if len(vals) == 0 {
		return 0, nil
	}
	first := strings.TrimSpace(vals[0])
	for _, v := range vals[1:] {
		if strings.TrimSpace(v) != first {
			return 0, fmt.Errorf("%w: conflicting Content-Length", ErrMalformedRequest)
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedRequest, first)
	}
	return n, nil
}

// headReader reads CRLF (or bare LF) terminated lines while enforcing
// maxHeaderBytes across the whole head.
type headReader struct {
	br   *bufio.Reader
	read int
}

func (r *headReader) line() (string, error) {
	var b []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		r.read += len(chunk)
		if r.read > maxHeaderBytes {
			return "", fmt.Errorf("%w: header block exceeds %d bytes", ErrMalformedRequest, maxHeaderBytes)
		}
		b = append(b, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(b) > 0 {
			return "", fmt.Errorf("%w: truncated head", ErrMalformedRequest)
		}
		return "", err
	}
	b = b[:len(b)-1]
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return string(b), nil
}

func (r *headReader) header() (Header, error) {
	var h Header
	for {
		line, err := r.line()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("%w: obsolete header folding", ErrMalformedRequest)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !isToken(name) {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedRequest, line)
		}
		h = append(h, Field{Name: name, Value: strings.Trim(value, " \t")})
	}
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
