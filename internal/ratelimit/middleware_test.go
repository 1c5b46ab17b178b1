package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() (http.Handler, *int) {
	calls := new(int)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	}), calls
}

// failingLimiter always errors; the middleware must fail open.
type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter backend down")
}
func (failingLimiter) Close() error { return nil }

func TestMiddlewareDeniesAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(0.001, 2)
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	}()

	handler, calls := okHandler()
	wrapped := Middleware(m, IPKeyFunc, nil)(handler)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
	if *calls != 2 {
		t.Fatalf("handler called %d times, want 2", *calls)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error.Code != "RATE_LIMITED" {
		t.Fatalf("got error code %q, want RATE_LIMITED", body.Error.Code)
	}
}

func TestMiddlewareSeparateKeysIndependent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	}()

	handler, _ := okHandler()
	wrapped := Middleware(m, IPKeyFunc, nil)(handler)

	for _, addr := range []string{"10.0.0.1:50000", "10.0.0.2:50000"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
		req.RemoteAddr = addr
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("addr %s: got status %d, want 200", addr, rec.Code)
		}
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	handler, calls := okHandler()
	wrapped := Middleware(nil, IPKeyFunc, nil)(handler)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	if rec.Code != http.StatusOK || *calls != 1 {
		t.Fatalf("nil limiter must pass through: status %d calls %d", rec.Code, *calls)
	}
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() {
		if err := m.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	}()

	handler, calls := okHandler()
	wrapped := Middleware(m, func(*http.Request) string { return "" }, nil)(handler)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/solve", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i, rec.Code)
		}
	}
	if *calls != 3 {
		t.Fatalf("handler called %d times, want 3", *calls)
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	handler, calls := okHandler()
	wrapped := Middleware(failingLimiter{}, IPKeyFunc, nil)(handler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/solve", nil)
	req.RemoteAddr = "10.0.0.3:40000"
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || *calls != 1 {
		t.Fatalf("limiter errors must fail open: status %d calls %d", rec.Code, *calls)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:54321", "192.0.2.1"},
		{"[2001:db8::1]:443", "[2001:db8::1]"},
		{"bare-host", "bare-host"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := IPKeyFunc(req); got != tt.want {
			t.Errorf("IPKeyFunc(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestNoopLimiterAllowsEverything(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "any")
		if err != nil || !ok {
			t.Fatalf("NoopLimiter must always allow: ok=%v err=%v", ok, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}
