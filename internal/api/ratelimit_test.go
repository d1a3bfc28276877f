package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRateLimiterConcurrentFirstRequestsShareBucket(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if rl.Allow("ip:203.0.113.9") == nil {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if n := allowed.Load(); n != 1 {
		t.Fatalf("burst of 1 allowed %d requests", n)
	}
}

func TestClientIPIgnoresProxyHeadersUnlessTrusted(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/ingest/github", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	r.Header.Set("X-Real-IP", "10.0.0.3")

	if got := clientIP(r, false); got != "198.51.100.7" {
		t.Fatalf("untrusted: got %q", got)
	}
	if got := clientIP(r, true); got != "10.0.0.1" {
		t.Fatalf("trusted: got %q", got)
	}
	r.Header.Del("X-Forwarded-For")
	if got := clientIP(r, true); got != "10.0.0.3" {
		t.Fatalf("trusted X-Real-IP: got %q", got)
	}
}

func TestIngestLimitNotBypassedByForwardedFor(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 1
	e := newTestEnv(t, cfg)

	codes := make([]int, 0, 3)
	for _, xff := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		req := httptest.NewRequest(http.MethodPost, "/api/ingest/github?owner=u1", nil)
		req.RemoteAddr = "198.51.100.7:5555"
		req.Header.Set("X-Forwarded-For", xff)
		req.Header.Set("X-GitHub-Event", "release")
		rr := httptest.NewRecorder()
		e.h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}
