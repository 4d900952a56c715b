package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/job/abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := RequestTimeout(5 * time.Second)(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsTimeoutOnExpiry(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/preview", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestTimeout(50 * time.Millisecond)(func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})

	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected status 504, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message in body")
	}
}

func TestRequestTimeout_SkipsLongLivedPaths(t *testing.T) {
	paths := []string{
		"/api/v1/job/abc/stream",
		"/ws",
		"/ws/jobs/abc",
	}
	for _, path := range paths {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		h := RequestTimeout(time.Millisecond)(func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Errorf("%s: expected no deadline", path)
			}
			return nil
		})
		if err := h(c); err != nil {
			t.Errorf("%s: unexpected error: %v", path, err)
		}
	}
}

func TestRequestTimeout_SetsDeadline(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/job/abc/results", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestTimeout(time.Minute)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected request context to carry a deadline")
		}
		return nil
	})
	h(c)
}

func TestRequestTimeout_ClientCancel(t *testing.T) {
	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/job/abc", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestTimeout(time.Minute)(func(c echo.Context) error {
		cancel()
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})

	if err := h(c); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if rec.Code == http.StatusGatewayTimeout {
		t.Error("client cancel must not produce 504")
	}
}

func TestIsLongLived(t *testing.T) {
	tests := map[string]bool{
		"/api/v1/job/x/stream":  true,
		"/api/v1/job/x/stream/": true,
		"/ws":                   true,
		"/ws/jobs/x":            true,
		"/wsx":                  false,
		"/api/v1/job/x":         false,
		"/api/v1/streams":       false,
	}
	for path, want := range tests {
		if got := isLongLived(path); got != want {
			t.Errorf("isLongLived(%q) = %v, want %v", path, got, want)
		}
	}
}
