package policy

import (
	"reflect"
	"testing"

	"github.com/die-net/mimic/internal/message"
)

func browserHeaders() message.Header {
	return message.Header{
		{Name: "Host", Value: "example.test"},
		{Name: "User-Agent", Value: "grab-site"},
		{Name: "Accept", Value: "*/*"},
		{Name: "Accept-Encoding", Value: "gzip"},
		{Name: "Accept-Language", Value: "en"},
		{Name: "Sec-Fetch-Mode", Value: "navigate"},
		{Name: "Upgrade-Insecure-Requests", Value: "1"},
		{Name: "cookie", Value: "a=1"},
		{Name: "Cookie", Value: "b=2"},
		{Name: "AUTHORIZATION", Value: "Bearer t"},
		{Name: "Referer", Value: "http://example.test/"},
		{Name: "x-requested-with", Value: "XMLHttpRequest"},
		{Name: "X-Forwarded-For", Value: "10.0.0.1"},
		{Name: "Xylophone", Value: "no"},
		{Name: "X", Value: "no"},
	}
}

func TestFilterRequestDefault(t *testing.T) {
	got := Default().FilterRequest(browserHeaders())

	want := message.Header{
		{Name: "cookie", Value: "a=1"},
		{Name: "Cookie", Value: "b=2"},
		{Name: "AUTHORIZATION", Value: "Bearer t"},
		{Name: "Referer", Value: "http://example.test/"},
		{Name: "x-requested-with", Value: "XMLHttpRequest"},
		{Name: "X-Forwarded-For", Value: "10.0.0.1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v\nwant %v", got, want)
	}
}

func TestFilterRequestIdempotent(t *testing.T) {
	p := Default()
	once := p.FilterRequest(browserHeaders())
	twice := p.FilterRequest(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent: %v vs %v", once, twice)
	}
}

func TestFilterRequestEmpty(t *testing.T) {
	if got := Default().FilterRequest(nil); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestFilterRequestCustomRules(t *testing.T) {
	p := New(Config{Forward: []string{"Origin"}, ForwardPrefixes: []string{"X-Api-", ""}})

	got := p.FilterRequest(message.Header{
		{Name: "origin", Value: "http://a"},
		{Name: "X-Api-Key", Value: "k"},
		{Name: "X-Other", Value: "o"},
		{Name: "Cookie", Value: "c"},
	})
	want := message.Header{
		{Name: "origin", Value: "http://a"},
		{Name: "X-Api-Key", Value: "k"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v\nwant %v", got, want)
	}
}

func TestFilterResponseDropsFramingHeaders(t *testing.T) {
	casings := [][3]string{
		{"Transfer-Encoding", "Connection", "Content-Encoding"},
		{"transfer-encoding", "connection", "content-encoding"},
		{"TRANSFER-ENCODING", "CONNECTION", "CONTENT-ENCODING"},
	}

	for _, c := range casings {
		for _, decoded := range []bool{true, false} {
			h := message.Header{
				{Name: "Content-Type", Value: "text/html"},
				{Name: c[0], Value: "chunked"},
				{Name: c[1], Value: "keep-alive"},
				{Name: c[2], Value: "gzip"},
				{Name: "Set-Cookie", Value: "a=1"},
			}
			got := Default().FilterResponse(h, decoded)
			for _, name := range c {
				if got.Has(name) {
					t.Fatalf("decoded=%v: %s survived in %v", decoded, name, got)
				}
			}
			if got.Get("Content-Type") != "text/html" || got.Get("Set-Cookie") != "a=1" {
				t.Fatalf("decoded=%v: lost an unrelated header: %v", decoded, got)
			}
		}
	}
}

func TestFilterResponseKeepUndecoded(t *testing.T) {
	p := New(Config{KeepUndecodedContentEncoding: true, DropResponse: []string{"Alt-Svc"}})
	h := message.Header{
		{Name: "Content-Encoding", Value: "compress"},
		{Name: "Alt-Svc", Value: "h3=\":443\""},
		{Name: "Connection", Value: "close"},
	}

	if got := p.FilterResponse(h, false); got.Get("Content-Encoding") != "compress" || got.Has("Alt-Svc") || got.Has("Connection") {
		t.Fatalf("undecoded: %v", got)
	}
	if got := p.FilterResponse(h, true); got.Has("Content-Encoding") {
		t.Fatalf("decoded: %v", got)
	}
}

func TestRuleMatch(t *testing.T) {
	tests := []struct {
		rule Rule
		name string
		want bool
	}{
		{Rule{Name: "Cookie"}, "cookie", true},
		{Rule{Name: "Cookie"}, "Cookie2", false},
		{Rule{Name: "X-", Prefix: true}, "x-foo", true},
		{Rule{Name: "X-", Prefix: true}, "X", false},
		{Rule{Name: "X-", Prefix: true}, "Xfoo", false},
	}
	for _, tt := range tests {
		if got := tt.rule.Match(tt.name); got != tt.want {
			t.Errorf("%+v.Match(%q) = %v, want %v", tt.rule, tt.name, got, tt.want)
		}
	}
}
