package message

import (
	"net/http"
	"slices"
	"strings"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields. Duplicate names are kept as
// separate fields in arrival order. Name lookups are case-insensitive.
type Header []Field

// Get returns the first value for name, or "" if there is none.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether any field is named name.
func (h Header) Has(name string) bool {
	return slices.ContainsFunc(h, func(f Field) bool {
		return strings.EqualFold(f.Name, name)
	})
}

// Clone returns a copy of h that shares no storage with it.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return slices.Clone(h)
}

// Without returns a copy of h minus every field whose name matches one of
// names.
func (h Header) Without(names ...string) Header {
	out := make(Header, 0, len(h))
	for _, f := range h {
		if !slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, f.Name) }) {
			out = append(out, f)
		}
	}
	return out
}

// Add returns h with a field appended.
func (h Header) Add(name, value string) Header {
	return append(h, Field{Name: name, Value: value})
}

// HTTP converts h into a net/http header map, merging duplicates under the
// canonical key in order.
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		k := http.CanonicalHeaderKey(f.Name)
		out[k] = append(out[k], f.Value)
	}
	return out
}

// FromHTTP converts a net/http header map. Keys are emitted in sorted order so
// the result is deterministic; values keep their order.
func FromHTTP(src http.Header) Header {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(Header, 0, len(src))
	for _, k := range keys {
		for _, v := range src[k] {
			out = append(out, Field{Name: k, Value: v})
		}
	}
	return out
}
