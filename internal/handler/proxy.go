package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/service"
	"openai-proxy-go/internal/upstream"
)

var (
	// apiKeyPattern matches OpenAI secret keys that may leak into error text.
	apiKeyPattern = regexp.MustCompile(`(sk-)[A-Za-z0-9_\-]+`)
	// userinfoPattern matches passwords in URLs such as forward proxy URIs.
	userinfoPattern = regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+@`)
)

// ProxyHandler forwards requests under the route prefix to the upstream API.
type ProxyHandler struct {
	service *service.ProxyService
	prefix  string
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		prefix:  cfg.Server.RoutePrefix,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle runs the request through the pipeline and writes the buffered
// upstream response back unchanged apart from its framing headers.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	if !strings.HasPrefix(req.URL.Path, h.prefix) {
		return Fallback(c)
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if len(resp.Body) == 0 {
		return nil
	}
	// The status line is already out; a failed write only truncates this
	// response.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if he.Code == http.StatusRequestEntityTooLarge {
			msg = "request body too large"
		}
		return c.JSON(he.Code, map[string]string{"error": msg})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if msg, ok := pipelineMessage(err); ok {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": msg})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	if errors.Is(err, upstream.ErrTransport) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "proxy request failed",
	})
}

// pipelineMessage returns the client-facing message for failures raised
// while rewriting the request or response.
func pipelineMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, service.ErrReadBody):
		return "could not read request body", true
	case errors.Is(err, service.ErrBodyNotUTF8):
		return "body is not valid UTF-8", true
	case errors.Is(err, service.ErrBuildURI):
		return "could not build upstream URI", true
	case errors.Is(err, service.ErrDecode):
		return "could not decode upstream response", true
	case errors.Is(err, service.ErrResponseTooLarge):
		return "upstream response too large", true
	}
	return "", false
}

// sanitizeError redacts API keys and URL passwords from error messages.
func sanitizeError(err error) string {
	s := apiKeyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
	return userinfoPattern.ReplaceAllString(s, "${1}[REDACTED]@")
}
