package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var errTooLarge = errors.New("response body too large")

// readLimited reads all of r, failing once more than limit bytes arrive.
// limit <= 0 means no limit.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", errTooLarge, limit)
	}
	return b, nil
}

// decodeBody removes the content codings listed in encoding, last applied
// first. It reports false with body unchanged when a coding is not one it
// knows, so the caller can pass the body through as is. An empty body
// (HEAD, 204, 304) has nothing to decode and counts as decoded.
func decodeBody(encoding string, body []byte, limit int64) ([]byte, bool, error) {
	var codings []string
	for c := range strings.SplitSeq(encoding, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && c != "identity" {
			codings = append(codings, c)
		}
	}
	if len(codings) == 0 {
		return body, false, nil
	}

	for _, c := range codings {
		if !supportedCoding(c) {
			return body, false, nil
		}
	}
	if len(body) == 0 {
		return body, true, nil
	}

	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		if out, err = decodeOne(codings[i], out, limit); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", codings[i], err)
		}
	}
	return out, true, nil
}

func supportedCoding(c string) bool {
	switch c {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

func decodeOne(coding string, body []byte, limit int64) ([]byte, error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readLimited(zr, limit)
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate under this name.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			return readLimited(zr, limit)
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return readLimited(fr, limit)
	case "br":
		return readLimited(brotli.NewReader(bytes.NewReader(body)), limit)
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return readLimited(zr, limit)
	default:
		return nil, fmt.Errorf("unsupported content coding %q", coding)
	}
}
