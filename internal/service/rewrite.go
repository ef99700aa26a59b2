package service

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"openai-proxy-go/internal/model"
)

// StripPrefix replaces the first occurrence of prefix in path with a single
// slash, so "/openai/v1/models" becomes "/v1/models" and the bare prefix
// becomes "/".
func StripPrefix(path, prefix string) string {
	return strings.Replace(path, prefix, "/", 1)
}

// BuildUpstreamURL joins the upstream scheme and host with the already
// stripped, still escaped path and the raw query. The query is separated
// by '?'.
func BuildUpstreamURL(base *url.URL, escapedPath, rawQuery string) (*url.URL, error) {
	raw := base.Scheme + "://" + base.Host + escapedPath
	if rawQuery != "" {
		raw += "?" + rawQuery
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildURI, err)
	}
	return u, nil
}

// forwardHeaders copies the caller's headers minus hop-by-hop and framing
// headers; Host is set separately on the request.
func forwardHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range model.HopByHopHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
	dst.Del("Content-Length")
	// An absent User-Agent stays absent instead of becoming Go-http-client.
	if _, ok := dst["User-Agent"]; !ok {
		dst.Set("User-Agent", "")
	}
	return dst
}
