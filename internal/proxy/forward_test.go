package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/die-net/mimic/internal/backend"
	"github.com/die-net/mimic/internal/message"
	"github.com/die-net/mimic/internal/policy"
)

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		host    string
		want    string
		wantErr bool
	}{
		{name: "absolute", target: "http://example.test/a?b=c", want: "http://example.test/a?b=c"},
		{name: "absolute https", target: "https://example.test:8443/", want: "https://example.test:8443/"},
		{name: "absolute ignores host header", target: "http://a.test/", host: "b.test", want: "http://a.test/"},
		{name: "origin form", target: "/path", host: "example.test:8080", want: "http://example.test:8080/path"},
		{name: "origin form no host", target: "/path", wantErr: true},
		{name: "authority form", target: "example.test:80", host: "example.test", wantErr: true},
		{name: "asterisk", target: "*", host: "example.test", wantErr: true},
		{name: "ftp", target: "ftp://example.test/", wantErr: true},
		{name: "no host", target: "http:///path", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &message.InboundRequest{Method: http.MethodGet, Target: tt.target}
			if tt.host != "" {
				req.Header = message.Header{{Name: "Host", Value: tt.host}}
			}
			got, err := TargetURL(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, message.ErrMalformedRequest) {
					t.Fatalf("err=%v, want ErrMalformedRequest", err)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestFrame(t *testing.T) {
	origin := message.Header{
		{Name: "Content-Type", Value: "text/html"},
		{Name: "Content-Length", Value: "999"},
		{Name: "Content-Encoding", Value: "gzip"},
		{Name: "Transfer-Encoding", Value: "chunked"},
		{Name: "Connection", Value: "keep-alive"},
	}
	p := policy.Default()

	tests := []struct {
		name      string
		method    string
		status    int
		body      string
		undecoded bool
		wantCL    []string
		wantBody  string
	}{
		{name: "get", method: http.MethodGet, status: 200, body: "hello", wantCL: []string{"5"}, wantBody: "hello"},
		{name: "empty", method: http.MethodGet, status: 404, body: "", wantCL: []string{"0"}},
		{name: "head keeps origin length", method: http.MethodHead, status: 200, undecoded: true, wantCL: []string{"999"}},
		{name: "head of decoded entity drops length", method: http.MethodHead, status: 200},
		{name: "no content", method: http.MethodDelete, status: 204, body: "junk"},
		{name: "not modified", method: http.MethodGet, status: 304, body: "junk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := frame(&message.OutboundResult{Status: tt.status, Header: origin, Body: []byte(tt.body), Decoded: !tt.undecoded}, tt.method, p)

			if got := res.Header.Values("Content-Length"); strings.Join(got, ",") != strings.Join(tt.wantCL, ",") {
				t.Fatalf("Content-Length %v want %v", got, tt.wantCL)
			}
			if string(res.Body) != tt.wantBody {
				t.Fatalf("body %q want %q", res.Body, tt.wantBody)
			}
			if res.Header.Has("Content-Encoding") || res.Header.Has("Transfer-Encoding") {
				t.Fatalf("framing headers survived: %v", res.Header)
			}
			if got := res.Header.Values("Connection"); len(got) != 1 || got[0] != "close" {
				t.Fatalf("Connection %v", got)
			}
			if res.Header.Get("Content-Type") != "text/html" {
				t.Fatalf("lost Content-Type: %v", res.Header)
			}
		})
	}
}

type gatewayFunc func(ctx context.Context, req *backend.Request) (*message.OutboundResult, error)

func (f gatewayFunc) Execute(ctx context.Context, req *backend.Request) (*message.OutboundResult, error) {
	return f(ctx, req)
}

func TestForwarderWritesOneResponse(t *testing.T) {
	var got *backend.Request
	fwd := NewForwarder(gatewayFunc(func(_ context.Context, req *backend.Request) (*message.OutboundResult, error) {
		got = req
		return &message.OutboundResult{
			Status: 201,
			Header: message.Header{{Name: "Location", Value: "/item/1"}},
			Body:   []byte("made"),
		}, nil
	}), nil, nil)

	var buf bytes.Buffer
	req := &message.InboundRequest{
		Method: http.MethodPost,
		Target: "http://example.test/items",
		Proto:  "HTTP/1.1",
		Header: message.Header{
			{Name: "Host", Value: "example.test"},
			{Name: "Content-Length", Value: "3"},
			{Name: "Authorization", Value: "Bearer x"},
		},
		Body: []byte("abc"),
	}
	if err := fwd.Forward(context.Background(), &buf, req, policy.Default()); err != nil {
		t.Fatal(err)
	}

	want := "HTTP/1.1 201 Created\r\nLocation: /item/1\r\nContent-Length: 4\r\nConnection: close\r\n\r\nmade"
	if buf.String() != want {
		t.Fatalf("got %q\nwant %q", buf.String(), want)
	}
	if got.Method != http.MethodPost || got.URL != "http://example.test/items" || string(got.Body) != "abc" {
		t.Fatalf("backend request %+v", got)
	}
	wantHeader := message.Header{{Name: "Authorization", Value: "Bearer x"}}
	if len(got.Header) != 1 || got.Header[0] != wantHeader[0] {
		t.Fatalf("backend header %v", got.Header)
	}
}

func TestForwarderNilResult(t *testing.T) {
	fwd := NewForwarder(gatewayFunc(func(context.Context, *backend.Request) (*message.OutboundResult, error) {
		return nil, nil
	}), nil, nil)

	var buf bytes.Buffer
	req := &message.InboundRequest{Method: http.MethodGet, Target: "http://example.test/"}
	if err := fwd.Forward(context.Background(), &buf, req, policy.Default()); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.1 502 ") {
		t.Fatalf("got %q", buf.String())
	}
}
