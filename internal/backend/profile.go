package backend

import (
	"fmt"
	"slices"
	"strings"

	utls "github.com/refraction-networking/utls"

	"github.com/die-net/mimic/internal/message"
)

// Profile is a browser identity: the TLS ClientHello it sends and the
// headers it attaches to a top-level navigation.
type Profile struct {
	Name   string
	Hello  utls.ClientHelloID
	Header message.Header
}

var chromeAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"

var profiles = map[string]Profile{
	"chrome": {
		Name:  "chrome",
		Hello: utls.HelloChrome_Auto,
		Header: message.Header{
			{Name: "sec-ch-ua", Value: `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`},
			{Name: "sec-ch-ua-mobile", Value: "?0"},
			{Name: "sec-ch-ua-platform", Value: `"Windows"`},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
			{Name: "User-Agent", Value: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"},
			{Name: "Accept", Value: chromeAccept},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-User", Value: "?1"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
		},
	},
	"edge": {
		Name:  "edge",
		Hello: utls.HelloEdge_Auto,
		Header: message.Header{
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
			{Name: "User-Agent", Value: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/85.0.4183.102 Safari/537.36 Edg/85.0.564.51"},
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.9"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-User", Value: "?1"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
		},
	},
	"firefox": {
		Name:  "firefox",
		Hello: utls.HelloFirefox_Auto,
		Header: message.Header{
			{Name: "User-Agent", Value: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0"},
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.5"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-User", Value: "?1"},
		},
	},
	"safari": {
		Name:  "safari",
		Hello: utls.HelloSafari_Auto,
		Header: message.Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "User-Agent", Value: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15"},
		},
	},
	"ios": {
		Name:  "ios",
		Hello: utls.HelloIOS_Auto,
		Header: message.Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "User-Agent", Value: "Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Mobile/15E148 Safari/604.1"},
		},
	},
}

// Profiles lists the supported profile names, sorted.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// LookupProfile returns the profile called name, case-insensitively.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(name)]
	if !ok {
		return Profile{}, fmt.Errorf("unknown browser profile %q (want one of %s)", name, strings.Join(Profiles(), ", "))
	}
	return p, nil
}

// apply returns the profile's headers followed by h. A field in h replaces
// every preset field of the same name.
func (p Profile) apply(h message.Header) message.Header {
	out := make(message.Header, 0, len(p.Header)+len(h))
	for _, f := range p.Header {
		if !h.Has(f.Name) {
			out = append(out, f)
		}
	}
	return append(out, h...)
}
