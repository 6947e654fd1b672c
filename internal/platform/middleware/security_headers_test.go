package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

var resultHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"X-XSS-Protection":          "0",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Referrer-Policy":           "no-referrer",
	"Permissions-Policy":        "camera=(), microphone=(), geolocation=()",
	"Cache-Control":             "no-store",
}

func newHeaderServer() *echo.Echo {
	e := echo.New()
	e.Use(SecurityHeaders())
	e.GET("/api/v1/items/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"id":          c.Param("id"),
			"status":      "finalized",
			"found_value": "95",
		})
	})
	return e
}

func TestSecurityHeaders_OnResultResponse(t *testing.T) {
	e := newHeaderServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/items/7f3c", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for header, want := range resultHeaders {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}
}

func TestSecurityHeaders_OnUnknownRoute(t *testing.T) {
	e := newHeaderServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected Cache-Control no-store on errors, got %q", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff on errors, got %q", got)
	}
}
