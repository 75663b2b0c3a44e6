package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

type scriptedProvider struct {
	id    string
	resp  *Response
	err   error
	delay time.Duration
	calls int
}

func (s *scriptedProvider) ID() string   { return s.id }
func (s *scriptedProvider) Name() string { return s.id }

func (s *scriptedProvider) Complete(ctx context.Context, _ *Request) (*Response, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *scriptedProvider) HealthCheck(context.Context) error { return nil }

func TestGatewayPrimarySucceeds(t *testing.T) {
	primary := &scriptedProvider{id: "p", resp: &Response{Content: "from primary"}}
	backup := &scriptedProvider{id: "b", resp: &Response{Content: "from backup"}}
	g := NewGateway(primary, backup, nil, time.Second, zap.NewNop())

	resp, err := g.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Fatalf("content = %q", resp.Content)
	}
	if backup.calls != 0 {
		t.Fatal("backup should not be called")
	}
}

func TestGatewayFailsOverToBackup(t *testing.T) {
	primary := &scriptedProvider{id: "p", err: ErrUnavailable}
	backup := &scriptedProvider{id: "b", resp: &Response{Content: "from backup"}}
	g := NewGateway(primary, backup, nil, time.Second, zap.NewNop())

	resp, err := g.Complete(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Fatalf("content = %q", resp.Content)
	}
}

func TestGatewayBothFail(t *testing.T) {
	primary := &scriptedProvider{id: "p", err: ErrUnavailable}
	backup := &scriptedProvider{id: "b", err: ErrTimeout}
	g := NewGateway(primary, backup, nil, time.Second, zap.NewNop())

	_, err := g.Complete(context.Background(), &Request{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want backup's ErrTimeout", err)
	}
}

func TestGatewayNoBackupPassesPrimaryError(t *testing.T) {
	primary := &scriptedProvider{id: "p", err: ErrRateLimited}
	g := NewGateway(primary, nil, nil, time.Second, zap.NewNop())

	_, err := g.Complete(context.Background(), &Request{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestGatewayDeadlineBecomesTimeout(t *testing.T) {
	primary := &scriptedProvider{id: "p", delay: time.Second}
	g := NewGateway(primary, nil, nil, 20*time.Millisecond, zap.NewNop())

	_, err := g.Complete(context.Background(), &Request{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestOpenAIStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusRequestTimeout, ErrTimeout},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusUnauthorized, ErrUnavailable},
		{http.StatusTeapot, ErrMalformed},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		p := NewOpenAIProvider(Config{ID: "t", Endpoint: srv.URL, Model: "m"}, zap.NewNop())
		_, err := p.Complete(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestOpenAICompleteAndJSONMode(t *testing.T) {
	var gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		decodeBody(t, r, &req)
		if req.ResponseFormat != nil {
			gotFormat = req.ResponseFormat.Type
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"r1","model":"m","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"total_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "t", Endpoint: srv.URL, Model: "m"}, zap.NewNop())
	resp, err := p.Complete(context.Background(), &Request{
		Messages:     []Message{{Role: "user", Content: "hi"}},
		JSONResponse: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "ok" || resp.Usage.TotalTokens != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	if gotFormat != "json_object" {
		t.Fatalf("response_format = %q, want json_object", gotFormat)
	}
}

func decodeBody(t *testing.T, r *http.Request, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
}

func TestIntervalLimiterPaces(t *testing.T) {
	l := NewIntervalLimiter(100)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("three waits at 100 rps took %v, want about 20ms", elapsed)
	}
}

func TestIntervalLimiterDisabled(t *testing.T) {
	l := NewIntervalLimiter(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("disabled limiter paced anyway: %v", elapsed)
	}
}
