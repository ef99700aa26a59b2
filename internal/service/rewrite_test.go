package service

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripPrefix(t *testing.T) {
	tests := map[string]struct {
		path string
		want string
	}{
		"nested path":         {path: "/openai/v1/chat/completions", want: "/v1/chat/completions"},
		"bare prefix is root": {path: "/openai/", want: "/"},
		"only first removed":  {path: "/openai/v1/openai/x", want: "/v1/openai/x"},
		"escaped kept":        {path: "/openai/v1/files/a%2Fb", want: "/v1/files/a%2Fb"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripPrefix(tc.path, "/openai/"))
		})
	}
}

// The query string is joined with '?'. Plain concatenation
// ("/v1/foox=1") would send a different path upstream.
func TestBuildUpstreamURL(t *testing.T) {
	base, err := url.Parse("https://api.openai.com")
	require.NoError(t, err)

	tests := map[string]struct {
		path  string
		query string
		want  string
	}{
		"no query":        {path: "/v1/foo", want: "https://api.openai.com/v1/foo"},
		"query separated": {path: "/v1/foo", query: "x=1", want: "https://api.openai.com/v1/foo?x=1"},
		"multi query":     {path: "/v1/files", query: "purpose=fine-tune&limit=2", want: "https://api.openai.com/v1/files?purpose=fine-tune&limit=2"},
		"root":            {path: "/", want: "https://api.openai.com/"},
		"escaped path":    {path: "/v1/files/a%2Fb", want: "https://api.openai.com/v1/files/a%2Fb"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			u, err := BuildUpstreamURL(base, tc.path, tc.query)
			require.NoError(t, err)
			assert.Equal(t, tc.want, u.String())
			assert.Equal(t, "api.openai.com", u.Host)
		})
	}
}

func TestBuildUpstreamURL_Invalid(t *testing.T) {
	base, err := url.Parse("https://api.openai.com")
	require.NoError(t, err)

	_, err = BuildUpstreamURL(base, "/v1/%zz", "")
	require.ErrorIs(t, err, ErrBuildURI)
}

func TestForwardHeaders(t *testing.T) {
	src := http.Header{
		"Authorization":       {"Bearer sk-test"},
		"Content-Type":        {"application/json"},
		"Openai-Organization": {"org-1"},
		"Connection":          {"keep-alive"},
		"Proxy-Authorization": {"Basic abc"},
		"Host":                {"localhost:4000"},
		"Content-Length":      {"12"},
	}

	dst := forwardHeaders(src)

	assert.Equal(t, "Bearer sk-test", dst.Get("Authorization"))
	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	assert.Equal(t, "org-1", dst.Get("Openai-Organization"))
	assert.Empty(t, dst.Values("Connection"))
	assert.Empty(t, dst.Values("Proxy-Authorization"))
	assert.Empty(t, dst.Values("Host"))
	assert.Empty(t, dst.Values("Content-Length"))

	ua, ok := dst["User-Agent"]
	require.True(t, ok, "absent User-Agent must be pinned to empty")
	assert.Equal(t, []string{""}, ua)

	// The caller's header map is left untouched.
	assert.Equal(t, "keep-alive", src.Get("Connection"))
}
