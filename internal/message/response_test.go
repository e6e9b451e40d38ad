package message

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func TestWriteResult(t *testing.T) {
	res := &OutboundResult{
		Status: 200,
		Header: Header{
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Set-Cookie", Value: "a=1"},
			{Name: "Set-Cookie", Value: "b=2"},
			{Name: "Content-Length", Value: "2"},
		},
		Body: []byte("hi"),
	}

	var buf bytes.Buffer
	if err := WriteResult(&buf, res, http.MethodGet); err != nil {
		t.Fatal(err)
	}

	want := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Set-Cookie: a=1\r\n" +
		"Set-Cookie: b=2\r\n" +
		"Content-Length: 2\r\n" +
		"\r\n" +
		"hi"
	if buf.String() != want {
		t.Fatalf("got %q\nwant %q", buf.String(), want)
	}
}

func TestWriteResultHeadOmitsBody(t *testing.T) {
	res := &OutboundResult{Status: 200, Header: Header{{Name: "Content-Length", Value: "2"}}, Body: []byte("hi")}

	var buf bytes.Buffer
	if err := WriteResult(&buf, res, http.MethodHead); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(buf.String(), "\r\n\r\n") {
		t.Fatalf("HEAD response carried a body: %q", buf.String())
	}
}

func TestWriteResultSanitizesValues(t *testing.T) {
	res := &OutboundResult{Status: 200, Header: Header{{Name: "X-Evil", Value: "a\r\nInjected: yes"}}}

	var buf bytes.Buffer
	if err := WriteResult(&buf, res, http.MethodGet); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "\r\nInjected") {
		t.Fatalf("header injection survived: %q", buf.String())
	}
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteError(&buf, http.StatusBadGateway, "dial failed"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.ReadResponse(bufioReader(buf.String()), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "text/plain; charset=utf-8" {
		t.Fatalf("content-type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.ContentLength != int64(len("dial failed\n")) {
		t.Fatalf("content-length = %d", resp.ContentLength)
	}
}

func TestWriteResultUnknownStatus(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResult(&buf, &OutboundResult{Status: 599}, http.MethodGet); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.1 599 status code 599\r\n") {
		t.Fatalf("status line = %q", buf.String())
	}
}
