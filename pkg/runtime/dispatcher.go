package runtime

import (
	"fmt"
	"log/slog"
)

const toolEventBuffer = 64

// toolEventDispatcher hands tool events to a turn's callback on its own
// goroutine. Events are dropped when the callback falls behind by more than
// toolEventBuffer events; the stream itself never waits for it.
type toolEventDispatcher struct {
	events chan Event
	done   chan struct{}
}

// newToolEventDispatcher returns nil when fn is nil. A nil dispatcher
// accepts and discards events.
func newToolEventDispatcher(fn func(Event)) *toolEventDispatcher {
	if fn == nil {
		return nil
	}

	d := &toolEventDispatcher{
		events: make(chan Event, toolEventBuffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for ev := range d.events {
			deliver(fn, ev)
		}
	}()
	return d
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool event callback panicked", "event", fmt.Sprintf("%T", ev), "panic", r)
		}
	}()
	fn(ev)
}

func (d *toolEventDispatcher) Dispatch(ev Event) {
	if d == nil {
		return
	}
	select {
	case d.events <- ev:
	default:
		slog.Warn("Tool event callback is falling behind, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// Close stops accepting events. Events already queued are still delivered.
func (d *toolEventDispatcher) Close() {
	if d == nil {
		return
	}
	close(d.events)
}
