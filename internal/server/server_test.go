package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/sticker/internal/auth"
)

type helloHandler struct{}

func (helloHandler) Register(e *echo.Echo) {
	e.GET("/hello", func(c echo.Context) error { return c.String(http.StatusOK, "hi") })
	e.GET("/panic", func(echo.Context) error { panic("boom") })
}

func TestServerRoutesAndLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	srv := NewServer(log, "", "", helloHandler{}, nil)
	if srv.Addr() != ":8080" {
		t.Fatalf("default addr = %q", srv.Addr())
	}

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "hi" {
		t.Fatalf("GET /hello = %d %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(buf.String(), "uri=/hello") {
		t.Fatalf("request not logged: %s", buf.String())
	}
}

func TestServerRecoversPanics(t *testing.T) {
	t.Parallel()

	srv := NewServer(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), ":0", "", helloHandler{})
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("GET /panic = %d, want 500", rec.Code)
	}
}

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/api/stickers", want: false},
		{path: "/ping/extra", want: false},
	}
	for _, tc := range cases {
		if got := shouldSkipJWT(tc.path); got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

func TestServerRequiresTokenWhenSecretSet(t *testing.T) {
	t.Parallel()

	srv := NewServer(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), "", "s3cret", helloHandler{}, pingOnly{})
	serve := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("/ping", ""); code != http.StatusOK {
		t.Fatalf("GET /ping = %d, want 200", code)
	}
	if code := serve("/hello", ""); code != http.StatusUnauthorized {
		t.Fatalf("GET /hello without token = %d, want 401", code)
	}
	token, _, err := auth.GenerateToken("admin", "s3cret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if code := serve("/hello", token); code != http.StatusOK {
		t.Fatalf("GET /hello with token = %d, want 200", code)
	}
}

type pingOnly struct{}

func (pingOnly) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}
