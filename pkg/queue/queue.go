// Package queue holds the supervisor's ordered pending set. The queue is
// owned by the single supervisor control loop; it is not safe for
// concurrent use and deliberately carries no internal locking.
package queue

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/internal/observability"
	"github.com/autarkd/autark/pkg/task"
)

// Queue is an ordered multiset of pending tasks keyed by
// (priority, sequence), ascending. Normal arrivals draw sequence numbers
// from an increasing counter; front insertions (retries, crash recovery)
// draw from a separate strictly-decreasing negative space so they sort
// ahead of every normal arrival of the same priority while keeping their
// relative order among themselves.
type Queue struct {
	pending  []task.Task
	seq      int64
	frontSeq int64

	snapshotPath string
	logger       zerolog.Logger
	now          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithSnapshotPath enables snapshot persistence at the given path.
func WithSnapshotPath(path string) Option {
	return func(q *Queue) { q.snapshotPath = path }
}

// WithLogger sets the queue logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a task to the pending set. When front is true the task is
// placed ahead of all normally-queued tasks of equal priority. Missing
// priority and attempt fields are defaulted from the task type.
func (q *Queue) Enqueue(t task.Task, front bool) task.Task {
	if t.Priority == 0 && t.Type != "" && task.PriorityFor(t.Type) != 0 {
		t.Priority = task.PriorityFor(t.Type)
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}
	if front {
		q.frontSeq--
		t.Seq = q.frontSeq
	} else {
		q.seq++
		t.Seq = q.seq
	}
	t.QueuedAt = q.now().UTC()

	q.pending = append(q.pending, t)
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Seq < b.Seq
	})

	q.logger.Debug().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Int("priority", t.Priority).
		Int64("seq", t.Seq).
		Bool("front", front).
		Int("pending", len(q.pending)).
		Msg("Task enqueued")

	observability.RecordEnqueue(string(t.Type), len(q.pending))
	return t
}

// DequeueNext removes and returns the most urgent pending task.
func (q *Queue) DequeueNext() (task.Task, bool) {
	if len(q.pending) == 0 {
		return task.Task{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	observability.RecordDequeue(string(t.Type), len(q.pending))
	return t, true
}

// Cancel removes a pending task by id. Cancelling a task that was
// already dequeued, or one the queue has never seen, is an idempotent
// no-op returning false.
func (q *Queue) Cancel(taskID string) bool {
	for i, t := range q.pending {
		if t.ID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.logger.Info().Str("task_id", taskID).Msg("Pending task cancelled")
			return true
		}
	}
	return false
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Pending returns a copy of the pending set in dequeue order.
func (q *Queue) Pending() []task.Task {
	out := make([]task.Task, len(q.pending))
	copy(out, q.pending)
	return out
}

// HasType reports whether any pending task has the given type.
func (q *Queue) HasType(typ task.Type) bool {
	for _, t := range q.pending {
		if t.Type == typ {
			return true
		}
	}
	return false
}
