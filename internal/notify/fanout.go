package notify

import (
	"context"
	"log/slog"

	"github.com/leaderboard-sync/internal/domain"
)

// Publisher receives change events
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// Fanout delivers each event to every sink. A sink that panics is logged and
// does not stop delivery to the rest.
type Fanout struct {
	sinks  []Publisher
	logger *slog.Logger
}

// NewFanout skips nil sinks
func NewFanout(logger *slog.Logger, sinks ...Publisher) *Fanout {
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add appends a sink
func (f *Fanout) Add(sink Publisher) {
	if sink != nil {
		f.sinks = append(f.sinks, sink)
	}
}

// Publish implements Publisher
func (f *Fanout) Publish(ctx context.Context, event domain.Event) {
	for _, sink := range f.sinks {
		f.deliver(ctx, sink, event)
	}
}

func (f *Fanout) deliver(ctx context.Context, sink Publisher, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("event sink panicked", "type", event.Type, "panic", r)
		}
	}()
	sink.Publish(ctx, event)
}
