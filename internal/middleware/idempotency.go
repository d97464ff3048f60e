package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20 // 1 MB
)

// storedResponse is the KV value recorded for a completed request.
type storedResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency deduplicates mutating requests carrying an Idempotency-Key
// header through a JetStream KV bucket. A retried request whose key was
// already answered replays the stored response instead of starting a second
// run, marked with an Idempotent-Replayed header so callers can tell a
// replayed thread_id from a fresh one. Entry expiry is the bucket's TTL.
func Idempotency(kv jetstream.KeyValue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if entry, err := kv.Get(r.Context(), key); err == nil {
				if replayStored(w, entry.Value()) {
					return
				}
				slog.Warn("idempotency: corrupt stored response", "key", key)
			}

			rec := &captureWriter{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
			next.ServeHTTP(rec, r)
			storeResponse(r.Context(), kv, key, rec)
		})
	}
}

// replayStored writes the recorded response, reporting false when the entry
// cannot be decoded.
func replayStored(w http.ResponseWriter, raw []byte) bool {
	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false
	}
	for k, vals := range stored.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(stored.StatusCode)
	_, _ = w.Write(stored.Body)
	return true
}

// storeResponse records the captured response under key. Server errors are
// never recorded: a retry after a 5xx should re-execute, not replay the
// failure until the TTL expires. Create keeps the first writer's response
// when two requests race on one key.
func storeResponse(ctx context.Context, kv jetstream.KeyValue, key string, rec *captureWriter) {
	if rec.status >= http.StatusInternalServerError || rec.body.Len() > maxIdempotencyBody {
		return
	}
	stored := storedResponse{
		StatusCode: rec.status,
		Headers:    rec.Header().Clone(),
		Body:       rec.body.Bytes(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return
	}
	if _, err := kv.Create(ctx, key, data); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		slog.Warn("idempotency: store response", "key", key, "error", err)
	}
}

// captureWriter tees the response so it can be recorded after the handler
// returns.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
