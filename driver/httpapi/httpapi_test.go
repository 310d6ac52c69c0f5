package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestDoDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer s3cret" {
			t.Errorf("auth header = %q", got)
		}
		if r.Method == http.MethodPost && r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		w.Write([]byte(`{"id":"srv-1"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cret")
	var out struct {
		ID string `json:"id"`
	}
	if err := c.Do(context.Background(), http.MethodPost, "/servers", map[string]string{"name": "a"}, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.ID != "srv-1" {
		t.Fatalf("decoded id = %q, want srv-1", out.ID)
	}
}

func TestDoNon2xxIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := c.Do(context.Background(), http.MethodGet, "/servers/ghost", nil, nil)
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != http.StatusNotFound {
		t.Fatalf("error = %v, want APIError 404", err)
	}
	if !IsNotFound(err) {
		t.Fatal("IsNotFound should match a 404 APIError")
	}
}

func TestDoWithRetryRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := DoWithRetry(context.Background(), func() error {
		return c.Do(context.Background(), http.MethodGet, "/healthz", nil, nil)
	})
	if err != nil {
		t.Fatalf("retry should recover: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestDoWithRetryStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := DoWithRetry(context.Background(), func() error {
		return c.Do(context.Background(), http.MethodGet, "/servers", nil, nil)
	})
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != http.StatusBadRequest {
		t.Fatalf("error = %v, want APIError 400", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("permanent error retried %d times", calls.Load())
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&APIError{Code: http.StatusInternalServerError}, true},
		{&APIError{Code: http.StatusTooManyRequests}, true},
		{&APIError{Code: http.StatusNotFound}, false},
		{&APIError{Code: http.StatusBadRequest}, false},
		{errors.New("connection refused"), true},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
