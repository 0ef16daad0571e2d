package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketnotify/internal/domain/delivery"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", 1000)
}

func TestSendOK(t *testing.T) {
	t.Parallel()
	var gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	res := c.Send(context.Background(), "r-1", delivery.Message{Title: "Hello", Body: "World"})
	if res.Status != delivery.StatusOK {
		t.Fatalf("result = %+v, want ok", res)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["chat_id"] != "r-1" || gotBody["text"] != "Hello\nWorld" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSendRateLimitedTransientWithRetryAfter(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":17}}`))
	})

	res := c.Send(context.Background(), "r-1", delivery.Message{Body: "x"})
	if res.Status != delivery.StatusTransient {
		t.Fatalf("result = %+v, want transient", res)
	}
	if res.RetryAfter != 17*time.Second {
		t.Errorf("retry_after = %v, want 17s", res.RetryAfter)
	}
}

func TestSendClientErrorPermanent(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"bot was blocked by the user"}`))
	})

	res := c.Send(context.Background(), "r-1", delivery.Message{Body: "x"})
	if res.Status != delivery.StatusPermanent {
		t.Fatalf("result = %+v, want permanent", res)
	}
}

func TestSendServerErrorTransient(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	res := c.Send(context.Background(), "r-1", delivery.Message{Body: "x"})
	if res.Status != delivery.StatusTransient {
		t.Fatalf("result = %+v, want transient", res)
	}
}

func TestSendEnvelopeErrorWithOKStatus(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	})

	res := c.Send(context.Background(), "r-1", delivery.Message{Body: "x"})
	if res.Status != delivery.StatusPermanent {
		t.Fatalf("result = %+v, want permanent", res)
	}
}

func TestSendNetworkErrorTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // соединение будет отклонено
	c := New(srv.URL, "tok", 1000)

	res := c.Send(context.Background(), "r-1", delivery.Message{Body: "x"})
	if res.Status != delivery.StatusTransient {
		t.Fatalf("result = %+v, want transient", res)
	}
}

func TestCheckAuth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"ok", http.StatusOK, nil},
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"notFound", http.StatusNotFound, ErrAuth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/bottest-token/getMe" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			})
			err := c.CheckAuth(context.Background())
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Errorf("CheckAuth = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
