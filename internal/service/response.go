package service

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"openai-proxy-go/internal/model"
)

// readAllLimited reads r to EOF, failing once more than limit bytes arrive.
// A limit of zero or less means unbounded.
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

// decodeBody undoes the Content-Encoding chain so the body can be logged.
// Encodings are listed in the order they were applied and are removed in
// reverse.
func decodeBody(contentEncoding string, body []byte) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch coding {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			out, err = gunzip(out)
		case "deflate":
			out, err = inflate(out)
		case "zstd":
			out, err = unzstd(out)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDecode, coding, err)
		}
	}
	return out, nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// inflate accepts both zlib-wrapped (RFC 1950, what "deflate" means on the
// wire) and raw deflate streams sent by misbehaving servers.
func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err == nil {
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer func() { _ = fr.Close() }()
	return io.ReadAll(fr)
}

func unzstd(b []byte) ([]byte, error) {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.DecodeAll(b, nil)
}

// finalizeHeaders prepares upstream headers for a fully buffered body:
// hop-by-hop headers go, Content-Length is exact.
func finalizeHeaders(h http.Header, status int, n int) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, name := range model.HopByHopHeaders {
		out.Del(name)
	}
	if bodyAllowedForStatus(status) {
		out.Set("Content-Length", strconv.Itoa(n))
	} else {
		out.Del("Content-Length")
	}
	return out
}

// bodyAllowedForStatus reports whether a response with status may carry a
// body (RFC 9110 section 6.4.1).
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
