package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCORSRouter(allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(allowedOrigins))
	router.GET("/credits", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.OPTIONS("/gifts/send", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func preflight(router http.Handler, origin string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodOptions, "/gifts/send", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", idempotencyKeyHeader)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareAllowsIdempotencyHeader(t *testing.T) {
	recorder := preflight(newCORSRouter([]string{"https://app.example.com"}), "https://app.example.com")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), strings.ToLower(idempotencyKeyHeader)) {
		t.Fatalf("expected Access-Control-Allow-Headers to include %s, got %q", idempotencyKeyHeader, allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials for a configured origin")
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "https://app.example.com" {
		t.Fatalf("expected the configured origin to be echoed, got %q", origin)
	}
}

func TestCORSMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	router := newCORSRouter([]string{"https://app.example.com"})

	if recorder := preflight(router, "https://evil.example"); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected preflight from an unlisted origin to be refused, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodGet, "/credits", http.NoBody)
	request.Header.Set("Origin", "https://evil.example")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no allowed origin for an unlisted caller, got %q", origin)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected no credentials for an unlisted caller")
	}
}

func TestCORSMiddlewareDefaultsToWildcardWithoutCredentials(t *testing.T) {
	recorder := preflight(newCORSRouter(nil), "https://evil.example")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected wildcard origin, got %q", origin)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected credentials to stay disabled without configured origins")
	}
}
