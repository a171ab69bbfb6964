package supervisor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/internal/observability"
	"github.com/autarkd/autark/pkg/task"
)

// handlerFunc processes one event from a worker. Handlers run on the
// control loop goroutine and may mutate supervisor state freely.
type handlerFunc func(ctx context.Context, workerID int, ev task.Event)

// Dispatcher routes worker events to their registered handlers. Events
// with no handler are logged and dropped; a newer worker emitting an
// event kind this supervisor does not know must never take it down.
type Dispatcher struct {
	handlers map[task.EventKind]handlerFunc
	logger   zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[task.EventKind]handlerFunc),
		logger:   logger,
	}
}

// Register binds a handler to an event kind, replacing any previous one.
func (d *Dispatcher) Register(kind task.EventKind, fn handlerFunc) {
	d.handlers[kind] = fn
}

// Dispatch routes one worker event.
func (d *Dispatcher) Dispatch(ctx context.Context, we task.WorkerEvent) {
	kind := we.Event.Kind()
	observability.RecordEvent(string(kind))

	fn, ok := d.handlers[kind]
	if !ok {
		if unk, isUnknown := we.Event.(task.UnknownEvent); isUnknown {
			d.logger.Warn().
				Int("worker_id", we.WorkerID).
				Str("tag", unk.Tag).
				Msg("Unknown event kind; dropping")
		} else {
			d.logger.Warn().
				Int("worker_id", we.WorkerID).
				Str("kind", string(kind)).
				Msg("No handler for event kind; dropping")
		}
		observability.RecordUnknownEvent()
		return
	}
	fn(ctx, we.WorkerID, we.Event)
}
