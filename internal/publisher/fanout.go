package publisher

import (
	"context"

	"qms/clinic-queue/internal/models"
)

type Sink interface {
	Publish(ctx context.Context, event models.Event)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, event models.Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Publish(ctx, event)
		}
	}
}
