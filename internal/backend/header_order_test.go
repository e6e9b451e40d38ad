package backend

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/die-net/mimic/internal/message"
)

func TestWriteRequestKeepsProfileOrder(t *testing.T) {
	order := message.Header{
		{Name: "sec-ch-ua-mobile", Value: "?0"},
		{Name: "User-Agent", Value: "UA"},
		{Name: "Accept", Value: "*/*"},
		{Name: "Cookie", Value: "a=1"},
	}
	req, err := http.NewRequestWithContext(withHeaderOrder(context.Background(), order),
		http.MethodPost, "https://example.test/p?q=1", strings.NewReader("abc"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header = order.HTTP()
	// Set by the client outside the profile order.
	req.Header.Set("Referer", "https://example.test/")

	var buf bytes.Buffer
	if err := writeRequest(&buf, req, headerOrder(req.Context())); err != nil {
		t.Fatal(err)
	}

	want := "POST /p?q=1 HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"sec-ch-ua-mobile: ?0\r\n" +
		"User-Agent: UA\r\n" +
		"Accept: */*\r\n" +
		"Cookie: a=1\r\n" +
		"Referer: https://example.test/\r\n" +
		"Content-Length: 3\r\n" +
		"\r\n" +
		"abc"
	if buf.String() != want {
		t.Fatalf("got\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestWriteRequestSkipsDroppedFields(t *testing.T) {
	order := message.Header{
		{Name: "Authorization", Value: "Bearer x"},
		{Name: "Accept", Value: "*/*"},
		{Name: "Content-Length", Value: "99"},
	}
	req, err := http.NewRequest(http.MethodGet, "http://other.test/", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header = order.HTTP()
	req.Header.Del("Authorization")

	var buf bytes.Buffer
	if err := writeRequest(&buf, req, order); err != nil {
		t.Fatal(err)
	}

	want := "GET / HTTP/1.1\r\nHost: other.test\r\nAccept: */*\r\n\r\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func TestWriteRequestEmptyPost(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.test/", nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := writeRequest(&buf, req, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(buf.String(), "Content-Length: 0\r\n\r\n") {
		t.Fatalf("got %q", buf.String())
	}
}
