package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// ErrCompleted is returned when emitting after the terminal event.
var ErrCompleted = errors.New("stream already completed")

// Emitter accepts events from a producer.
type Emitter interface {
	Emit(ev Event) error
}

// Bridge is an unbounded single-producer single-consumer queue for one request.
// It accepts exactly one terminal event; anything emitted afterwards is dropped.
type Bridge struct {
	logger *zap.Logger

	mu        sync.Mutex
	queue     []Event
	seq       int
	completed bool
	drained   bool
	notify    chan struct{}
}

func NewBridge(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Emit never blocks.
func (b *Bridge) Emit(ev Event) error {
	b.mu.Lock()
	if b.completed {
		b.mu.Unlock()
		b.logger.Warn("dropping event emitted after completion", zap.String("event", string(ev.Type)))
		return ErrCompleted
	}

	b.seq++
	ev.Seq = b.seq
	b.queue = append(b.queue, ev)
	if ev.Type.Terminal() {
		b.completed = true
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}

	return nil
}

// Completed reports whether the terminal event has been emitted.
func (b *Bridge) Completed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// Next blocks until an event is available. It returns io.EOF once the terminal
// event has been handed out.
func (b *Bridge) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = Event{}
			b.queue = b.queue[1:]
			if ev.Type.Terminal() {
				b.drained = true
			}
			b.mu.Unlock()
			return ev, nil
		}
		if b.drained {
			b.mu.Unlock()
			return Event{}, io.EOF
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-b.notify:
		}
	}
}

// Drain passes every event to fn in order, up to and including the terminal one.
func (b *Bridge) Drain(ctx context.Context, fn func(Event) error) error {
	for {
		ev, err := b.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) error { return nil }
