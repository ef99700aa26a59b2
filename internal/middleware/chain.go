package middleware

import (
	"github.com/labstack/echo/v4"
)

// Chain is the ordered list of middleware installed with Echo.Use. The first
// entry runs outermost.
type Chain []echo.MiddlewareFunc

// Then wraps h in the chain, for handlers dispatched outside Echo's router.
func (ch Chain) Then(h echo.HandlerFunc) echo.HandlerFunc {
	for i := len(ch) - 1; i >= 0; i-- {
		h = ch[i](h)
	}
	return h
}
