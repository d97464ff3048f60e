// Package broadcast defines the port for publishing run events to live subscribers.
package broadcast

import (
	"context"

	"github.com/pipewright/pipewright/internal/domain/event"
)

// Broadcaster delivers stage events to connected subscribers. The NATS
// publisher and the websocket hub both implement it; delivery is best
// effort and must never block run progress.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, ev event.StageEvent)
}

// Fanout forwards each event to every wrapped broadcaster.
type Fanout []Broadcaster

func (f Fanout) BroadcastEvent(ctx context.Context, ev event.StageEvent) {
	for _, b := range f {
		b.BroadcastEvent(ctx, ev)
	}
}
