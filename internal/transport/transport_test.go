package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/crpt_submit/internal/apierr"
)

func TestSend(t *testing.T) {
	tests := []struct {
		name           string
		handler        http.HandlerFunc
		req            Request
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "post with headers and body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				b, _ := io.ReadAll(r.Body)
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(b)
			},
			req: Request{
				Method: http.MethodPost,
				Header: http.Header{"Authorization": []string{"Bearer tok"}},
				Body:   []byte(`{"a":1}`),
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"a":1}`,
		},
		{
			name: "get without body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.ContentLength > 0 {
					t.Errorf("unexpected body of %d bytes", r.ContentLength)
				}
				_, _ = w.Write([]byte(`{"uuid":"u","data":"d"}`))
			},
			req:            Request{Method: http.MethodGet},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"uuid":"u","data":"d"}`,
		},
		{
			name: "non-2xx is not an error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "quota", http.StatusTooManyRequests)
			},
			req:            Request{Method: http.MethodPost},
			expectedStatus: http.StatusTooManyRequests,
			expectedBody:   "quota\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			tt.req.URL = server.URL + "/api/v3/test"
			resp, err := New(Config{}).Send(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Send() error: %v", err)
			}
			if resp.Status != tt.expectedStatus {
				t.Errorf("Status = %d, want %d", resp.Status, tt.expectedStatus)
			}
			if string(resp.Body) != tt.expectedBody {
				t.Errorf("Body = %q, want %q", resp.Body, tt.expectedBody)
			}
		})
	}
}

func TestSendConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(Config{ConnectTimeout: time.Second}).Send(context.Background(), Request{Method: http.MethodGet, URL: url})
	if !errors.Is(err, apierr.ErrTransport) {
		t.Errorf("Send() error = %v, want transport error", err)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	_, err := New(Config{RequestTimeout: 50 * time.Millisecond}).Send(context.Background(), Request{Method: http.MethodGet, URL: server.URL})
	if !errors.Is(err, apierr.ErrTransport) {
		t.Errorf("Send() error = %v, want transport error", err)
	}
}

func TestSendCanceledContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Send(ctx, Request{Method: http.MethodGet, URL: server.URL})
	if !errors.Is(err, apierr.ErrCanceled) {
		t.Errorf("Send() error = %v, want canceled", err)
	}
}

func TestSendInvalidURL(t *testing.T) {
	_, err := New(Config{}).Send(context.Background(), Request{Method: "BAD METHOD", URL: "http://example.invalid"})
	if !errors.Is(err, apierr.ErrTransport) {
		t.Errorf("Send() error = %v, want transport error", err)
	}
}

func TestResponseOK(t *testing.T) {
	tests := []struct {
		resp *Response
		want bool
	}{
		{resp: nil, want: false},
		{resp: &Response{Status: 200}, want: true},
		{resp: &Response{Status: 204}, want: true},
		{resp: &Response{Status: 302}, want: false},
		{resp: &Response{Status: 500}, want: false},
	}
	for _, tt := range tests {
		if got := tt.resp.OK(); got != tt.want {
			t.Errorf("OK() for %+v = %v, want %v", tt.resp, got, tt.want)
		}
	}
}
