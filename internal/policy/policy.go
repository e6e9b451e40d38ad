// Package policy decides which headers cross the proxy in each direction.
//
// On the request path it is an allowlist: only headers that carry session
// state (cookies, credentials, referer) or application-specific X- headers
// survive, so the backend's own browser fingerprint headers are never
// overridden by the client's. On the response path it is a denylist of
// headers whose framing the proxy's listening side owns.
//
// A Policy is immutable and safe for concurrent use.
package policy

import (
	"slices"
	"strings"

	"github.com/die-net/mimic/internal/message"
)

// Config lists the rules used to build a Policy.
type Config struct {
	// Forward names request headers that are always forwarded.
	Forward []string
	// ForwardPrefixes forwards any request header starting with one of
	// these prefixes.
	ForwardPrefixes []string
	// DropResponse names extra response headers to drop, on top of the
	// mandatory ones.
	DropResponse []string
	// KeepUndecodedContentEncoding keeps Content-Encoding on results whose
	// body the backend could not decode. By default it is always dropped.
	KeepUndecodedContentEncoding bool
}

// DefaultConfig returns the stock rule set.
func DefaultConfig() Config {
	return Config{
		Forward:         []string{"Cookie", "Authorization", "Referer"},
		ForwardPrefixes: []string{"X-"},
	}
}

// mandatoryResponseDrops are owned by the proxy's own response framing.
var mandatoryResponseDrops = []string{"Transfer-Encoding", "Connection"}

// Rule matches a header name, case-insensitively.
type Rule struct {
	Name   string
	Prefix bool
}

// Match reports whether name satisfies r.
func (r Rule) Match(name string) bool {
	if r.Prefix {
		return len(name) >= len(r.Name) && strings.EqualFold(name[:len(r.Name)], r.Name)
	}
	return strings.EqualFold(name, r.Name)
}

// Policy is a compiled Config.
type Policy struct {
	request       []Rule
	dropResponse  []string
	keepUndecoded bool
}

// New compiles cfg. Rules are evaluated in the order given.
func New(cfg Config) *Policy {
	p := &Policy{keepUndecoded: cfg.KeepUndecodedContentEncoding}
	for _, n := range cfg.Forward {
		p.request = append(p.request, Rule{Name: n})
	}
	for _, n := range cfg.ForwardPrefixes {
		if n != "" {
			p.request = append(p.request, Rule{Name: n, Prefix: true})
		}
	}
	p.dropResponse = slices.Concat(mandatoryResponseDrops, cfg.DropResponse)
	return p
}

// Default returns New(DefaultConfig()).
func Default() *Policy {
	return New(DefaultConfig())
}

// Rules returns a copy of the request-path rules.
func (p *Policy) Rules() []Rule {
	return slices.Clone(p.request)
}

// FilterRequest returns the fields of h that match a request rule, in their
// original order. Everything else is dropped.
func (p *Policy) FilterRequest(h message.Header) message.Header {
	out := make(message.Header, 0, len(h))
	for _, f := range h {
		if p.forwards(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

func (p *Policy) forwards(name string) bool {
	for _, r := range p.request {
		if r.Match(name) {
			return true
		}
	}
	return false
}

// FilterResponse drops Transfer-Encoding, Connection and any configured
// extras from h. Content-Encoding is dropped too unless the policy keeps it
// for undecoded bodies and decoded is false.
func (p *Policy) FilterResponse(h message.Header, decoded bool) message.Header {
	drop := p.dropResponse
	if decoded || !p.keepUndecoded {
		drop = append(slices.Clip(drop), "Content-Encoding")
	}
	return h.Without(drop...)
}
