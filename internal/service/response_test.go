package service

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func flateBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write(b)
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(b, nil)
}

func TestDecodeBody(t *testing.T) {
	plain := []byte(`{"object":"list","data":[]}`)

	tests := map[string]struct {
		encoding string
		body     []byte
	}{
		"gzip":            {encoding: "gzip", body: gzipBytes(t, plain)},
		"x-gzip":          {encoding: "x-gzip", body: gzipBytes(t, plain)},
		"upper case":      {encoding: "GZIP", body: gzipBytes(t, plain)},
		"deflate zlib":    {encoding: "deflate", body: zlibBytes(t, plain)},
		"deflate raw":     {encoding: "deflate", body: flateBytes(t, plain)},
		"zstd":            {encoding: "zstd", body: zstdBytes(t, plain)},
		"identity":        {encoding: "identity", body: plain},
		"chain gzip,zstd": {encoding: "gzip, zstd", body: zstdBytes(t, gzipBytes(t, plain))},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := decodeBody(tc.encoding, tc.body)
			require.NoError(t, err)
			assert.Equal(t, plain, got)
		})
	}
}

func TestDecodeBody_Errors(t *testing.T) {
	_, err := decodeBody("br", []byte("whatever"))
	require.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = decodeBody("gzip", []byte("not gzip at all"))
	require.ErrorIs(t, err, ErrDecode)

	truncated := gzipBytes(t, []byte(strings.Repeat("a", 4096)))
	_, err = decodeBody("gzip", truncated[:len(truncated)/2])
	require.ErrorIs(t, err, ErrDecode)
}

func TestReadAllLimited(t *testing.T) {
	b, err := readAllLimited(strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(b))

	_, err = readAllLimited(strings.NewReader("123456"), 5)
	require.ErrorIs(t, err, ErrResponseTooLarge)

	b, err = readAllLimited(strings.NewReader("123456"), 0)
	require.NoError(t, err)
	assert.Equal(t, "123456", string(b))
}

func TestFinalizeHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Content-Encoding":  {"gzip"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"keep-alive"},
		"Content-Length":    {"999"},
		"Openai-Model":      {"gpt-4o"},
	}

	out := finalizeHeaders(src, http.StatusOK, 42)

	assert.Equal(t, "42", out.Get("Content-Length"))
	assert.Empty(t, out.Values("Transfer-Encoding"))
	assert.Empty(t, out.Values("Connection"))
	assert.Equal(t, "gzip", out.Get("Content-Encoding"))
	assert.Equal(t, "gpt-4o", out.Get("Openai-Model"))
	assert.Equal(t, "chunked", src.Get("Transfer-Encoding"), "source headers must not be modified")
}

func TestFinalizeHeaders_NoBodyStatus(t *testing.T) {
	for _, status := range []int{http.StatusContinue, http.StatusNoContent, http.StatusNotModified} {
		out := finalizeHeaders(http.Header{"Content-Length": {"10"}}, status, 0)
		assert.Empty(t, out.Values("Content-Length"), "status %d", status)
	}
}
