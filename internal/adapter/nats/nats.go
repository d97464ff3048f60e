// Package nats implements the event broadcast port using NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pipewright/pipewright/internal/domain/event"
	"github.com/pipewright/pipewright/internal/port/broadcast"
)

// Conn wraps a NATS connection with the JetStream stream that carries
// run events. Subjects follow runs.<thread_id>.events so consumers can
// filter on a single thread.
type Conn struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

var _ broadcast.Broadcaster = (*Conn)(nil)

// Connect establishes a connection to NATS and ensures the JetStream
// stream exists.
func Connect(ctx context.Context, url, stream string) (*Conn, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{"runs.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", stream)
	return &Conn{nc: nc, js: js, stream: stream}, nil
}

// BroadcastEvent publishes the event to runs.<thread_id>.events. Delivery
// is best effort: failures are logged, never surfaced to the run loop.
func (c *Conn) BroadcastEvent(ctx context.Context, ev event.StageEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("nats event marshal failed", "thread_id", ev.ThreadID, "type", ev.Type, "error", err)
		return
	}

	subject := "runs." + ev.ThreadID + ".events"
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		slog.Error("nats publish failed", "subject", subject, "error", err)
	}
}

// KeyValue returns the named JetStream KV bucket, creating it if needed.
// A zero TTL keeps entries until deleted.
func (c *Conn) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := c.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Conn) IsConnected() bool {
	return c.nc.IsConnected()
}

// Drain gracefully flushes pending messages before closing.
func (c *Conn) Drain() error {
	return c.nc.Drain()
}

// Close shuts down the NATS connection.
func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}
