package message

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ConnectEstablished is written to the client once a tunnel's target
// connection is up. No headers follow.
const ConnectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// OutboundResult is the response produced for one forwarded request.
type OutboundResult struct {
	Status int
	Header Header
	Body   []byte
	// Decoded is set when the body had a content coding that was removed
	// before the result was returned.
	Decoded bool
}

// ErrorResult builds a plain-text response carrying msg.
func ErrorResult(code int, msg string) *OutboundResult {
	body := []byte(msg + "\n")
	return &OutboundResult{
		Status: code,
		Header: Header{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "Connection", Value: "close"},
		},
		Body: body,
	}
}

// WriteError writes a complete plain-text error response to w.
func WriteError(w io.Writer, code int, msg string) error {
	return WriteResult(w, ErrorResult(code, msg), "")
}

var headerValueSanitizer = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// WriteResult writes res as an HTTP/1.1 response: status line, headers, blank
// line, then the body. The header is written exactly as given, so framing
// headers must already be final. The body is omitted for HEAD requests.
// Everything is flushed in one go.
func WriteResult(w io.Writer, res *OutboundResult, method string) error {
	bw := bufio.NewWriter(w)

	text := http.StatusText(res.Status)
	if text == "" {
		text = "status code " + strconv.Itoa(res.Status)
	}
	fmt.Fprintf(bw, "HTTP/1.1 %03d %s\r\n", res.Status, text)

	for _, f := range res.Header {
		bw.WriteString(f.Name)
		bw.WriteString(": ")
		headerValueSanitizer.WriteString(bw, f.Value)
		bw.WriteString("\r\n")
	}
	bw.WriteString("\r\n")

	if method != http.MethodHead {
		bw.Write(res.Body)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
