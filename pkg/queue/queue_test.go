package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarkd/autark/pkg/task"
)

func mkTask(id string, typ task.Type, priority int) task.Task {
	return task.Task{ID: id, Type: typ, Priority: priority, Attempt: 1}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()

	// A(pr0), B(pr1), C(pr0) enqueued in that order dequeue as A, C, B.
	q.Enqueue(mkTask("A", task.TypeInteractive, 0), false)
	q.Enqueue(mkTask("B", task.TypeSelfImprove, 1), false)
	q.Enqueue(mkTask("C", task.TypeInteractive, 0), false)

	var order []string
	for {
		tk, ok := q.DequeueNext()
		if !ok {
			break
		}
		order = append(order, tk.ID)
	}
	assert.Equal(t, []string{"A", "C", "B"}, order)
}

func TestLowerPriorityDequeuesFirstRegardlessOfArrival(t *testing.T) {
	q := New()
	q.Enqueue(mkTask("late", task.TypeSelfImprove, 1), false)
	q.Enqueue(mkTask("urgent", task.TypeInteractive, 0), false)

	tk, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, "urgent", tk.ID)
}

func TestFrontInsertionBeatsNormalOfEqualPriority(t *testing.T) {
	q := New()
	q.Enqueue(mkTask("normal1", task.TypeInteractive, 0), false)
	q.Enqueue(mkTask("normal2", task.TypeInteractive, 0), false)
	q.Enqueue(mkTask("retry1", task.TypeInteractive, 0), true)
	q.Enqueue(mkTask("retry2", task.TypeInteractive, 0), true)

	var order []string
	for {
		tk, ok := q.DequeueNext()
		if !ok {
			break
		}
		order = append(order, tk.ID)
	}
	// Front insertions come first and keep their relative order.
	assert.Equal(t, []string{"retry1", "retry2", "normal1", "normal2"}, order)
}

func TestFrontInsertionDoesNotJumpHigherPriority(t *testing.T) {
	q := New()
	q.Enqueue(mkTask("bg-retry", task.TypeIdle, 2), true)
	q.Enqueue(mkTask("chat", task.TypeInteractive, 0), false)

	tk, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, "chat", tk.ID)
}

func TestCancelBeforeAssignment(t *testing.T) {
	q := New()
	q.Enqueue(mkTask("doomed", task.TypeInteractive, 0), false)

	assert.True(t, q.Cancel("doomed"))
	_, ok := q.DequeueNext()
	assert.False(t, ok, "cancelled task must never be dequeued")
}

func TestCancelUnknownIsNoOp(t *testing.T) {
	q := New()
	assert.False(t, q.Cancel("ghost"))

	q.Enqueue(mkTask("x", task.TypeInteractive, 0), false)
	_, _ = q.DequeueNext()
	// Already dequeued: still a no-op, never an error.
	assert.False(t, q.Cancel("x"))
}

func TestEnqueueDefaultsPriorityAndAttempt(t *testing.T) {
	q := New()
	got := q.Enqueue(task.Task{ID: "d", Type: task.TypeSelfImprove}, false)

	assert.Equal(t, 1, got.Priority)
	assert.Equal(t, 1, got.Attempt)
	assert.False(t, got.QueuedAt.IsZero())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_snapshot.json")

	q := New(WithSnapshotPath(path))
	q.Enqueue(mkTask("A", task.TypeInteractive, 0), false)
	q.Enqueue(mkTask("B", task.TypeSelfImprove, 1), false)
	q.Enqueue(mkTask("R", task.TypeInteractive, 0), true)
	require.NoError(t, q.Snapshot("test", []RunningRow{{ID: "running1", WorkerID: 2}}))

	q2 := New(WithSnapshotPath(path))
	restored, err := q2.Restore(15 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, restored)

	var order []string
	for {
		tk, ok := q2.DequeueNext()
		if !ok {
			break
		}
		order = append(order, tk.ID)
	}
	// Same dequeue order as the snapshotted queue.
	assert.Equal(t, []string{"R", "A", "B"}, order)
}

func TestRestoreStaleSnapshotDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_snapshot.json")

	past := time.Now().Add(-time.Hour)
	q := New(WithSnapshotPath(path), WithClock(func() time.Time { return past }))
	q.Enqueue(mkTask("old", task.TypeInteractive, 0), false)
	require.NoError(t, q.Snapshot("test", nil))

	q2 := New(WithSnapshotPath(path))
	restored, err := q2.Restore(15 * time.Minute)
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.Zero(t, q2.Len())
}

func TestRestoreCorruptSnapshotDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_snapshot.json")
	require.NoError(t, atomicWrite(path, []byte("{ not json")))

	q := New(WithSnapshotPath(path))
	restored, err := q.Restore(15 * time.Minute)
	require.NoError(t, err)
	assert.Zero(t, restored)
}

func TestRestoreSkippedWhenPendingNotEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue_snapshot.json")

	q := New(WithSnapshotPath(path))
	q.Enqueue(mkTask("snap", task.TypeInteractive, 0), false)
	require.NoError(t, q.Snapshot("test", nil))

	q2 := New(WithSnapshotPath(path))
	q2.Enqueue(mkTask("live", task.TypeInteractive, 0), false)
	restored, err := q2.Restore(15 * time.Minute)
	require.NoError(t, err)
	assert.Zero(t, restored)
	assert.Equal(t, 1, q2.Len())
}

func TestHasType(t *testing.T) {
	q := New()
	assert.False(t, q.HasType(task.TypeSelfImprove))
	q.Enqueue(mkTask("s", task.TypeSelfImprove, 1), false)
	assert.True(t, q.HasType(task.TypeSelfImprove))
}
