package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFallback(t *testing.T) {
	e := echo.New()

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, "PROPFIND"} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/healthz", strings.NewReader("ignored"))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := Fallback(c); err != nil {
				t.Fatalf("Fallback() error = %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}
		})
	}
}
