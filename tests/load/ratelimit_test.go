//go:build load

// Package load contains load tests that are excluded from regular CI runs.
// Run with: go test -tags load -count=1 -timeout 60s ./tests/load/
package load

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pipewright/pipewright/internal/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hammer(handler http.Handler, ip string, goroutines, perGoroutine int) (ok, limited int64) {
	var okCount, limitedCount atomic.Int64
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range perGoroutine {
				req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", http.NoBody)
				req.RemoteAddr = ip + ":4000"
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				switch rec.Code {
				case http.StatusOK:
					okCount.Add(1)
				case http.StatusTooManyRequests:
					limitedCount.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	return okCount.Load(), limitedCount.Load()
}

// TestRateLimitSustainedLoad fires 1000 near-instant requests from one IP at
// a rate=10 burst=10 limiter. The bucket starts with 10 tokens and refills
// at 10/sec, so the vast majority must be rejected.
func TestRateLimitSustainedLoad(t *testing.T) {
	rl := middleware.NewRateLimiter(10, 10)
	handler := rl.Handler(okHandler())

	ok, limited := hammer(handler, "10.0.0.1", 10, 100)

	total := ok + limited
	limitedPct := float64(limited) / float64(total) * 100
	t.Logf("total=%d ok=%d limited=%d (%.1f%% rejected)", total, ok, limited, limitedPct)

	if limited == 0 {
		t.Error("expected some requests to be rate-limited")
	}
	if limitedPct < 80 {
		t.Errorf("expected >80%% rate-limited under sustained load, got %.1f%%", limitedPct)
	}
}

// TestRateLimitPerIPIsolation floods from one IP while a second IP sends a
// handful of spaced requests. The buckets are per-IP, so the flood must not
// starve the second client.
func TestRateLimitPerIPIsolation(t *testing.T) {
	rl := middleware.NewRateLimiter(10, 10)
	handler := rl.Handler(okHandler())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hammer(handler, "10.0.0.1", 4, 250)
	}()

	var victimOK int
	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", http.NoBody)
		req.RemoteAddr = "10.0.0.2:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			victimOK++
		}
	}
	wg.Wait()

	if victimOK != 5 {
		t.Errorf("expected all 5 requests from the quiet IP to pass, got %d", victimOK)
	}
}

// TestRateLimitBucketCapUnderChurn sends one request each from more unique
// IPs than the limiter tracks (100000). Clients past the cap are rejected
// rather than growing the map without bound.
func TestRateLimitBucketCapUnderChurn(t *testing.T) {
	rl := middleware.NewRateLimiter(100, 10)
	handler := rl.Handler(okHandler())

	const tracked = 100000
	const overflow = 50
	var rejected int
	for i := range tracked + overflow {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", http.NoBody)
		req.RemoteAddr = fmt.Sprintf("10.%d.%d.%d:4000", i>>16, (i>>8)&0xff, i&0xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}

	t.Logf("tracked=%d rejected=%d", rl.Len(), rejected)
	if rl.Len() != tracked {
		t.Errorf("expected the bucket map capped at %d, got %d", tracked, rl.Len())
	}
	if rejected != overflow {
		t.Errorf("expected %d overflow clients rejected, got %d", overflow, rejected)
	}
}
