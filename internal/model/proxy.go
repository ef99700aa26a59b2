// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// HopByHopHeaders are connection-scoped headers that must not cross the proxy.
var HopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyRequest represents a client request accepted by the router.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the escaped request path, prefix included.
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// ProxyResponse is a fully buffered upstream response ready to be written
// back to the caller.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
