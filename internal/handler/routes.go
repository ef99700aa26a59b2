// Package handler maps HTTP routes onto the proxy pipeline.
package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/middleware"
)

// routedMethods are the methods Echo.Any registers. Everything else is
// dispatched by AnyMethod before routing.
var routedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// RegisterRoutes wires all route handlers onto the Echo instance. Only paths
// under the route prefix reach the proxy; everything else falls through to
// Fallback, whatever the method.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, m *metrics.Metrics, chain middleware.Chain) {
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Pre(AnyMethod(cfg.Server.RoutePrefix, proxy.Handle, chain))
	e.Any(cfg.Server.RoutePrefix+"*", proxy.Handle)
	e.Any("/*", Fallback)
}

// AnyMethod returns pre-routing middleware that serves requests with methods
// the router has no route for (PROPFIND, LINK, XYZZY, ...). They go through
// chain to proxy when the path has the prefix and to Fallback otherwise, so
// they are logged, metered and size-limited like routed requests.
func AnyMethod(prefix string, proxy echo.HandlerFunc, chain middleware.Chain) echo.MiddlewareFunc {
	toProxy := chain.Then(proxy)
	toFallback := chain.Then(Fallback)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if routedMethods[req.Method] {
				return next(c)
			}
			if strings.HasPrefix(req.URL.Path, prefix) {
				return toProxy(c)
			}
			return toFallback(c)
		}
	}
}
