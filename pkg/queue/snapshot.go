package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autarkd/autark/pkg/task"
)

// RunningRow describes one in-flight task for the snapshot document.
// The supervisor supplies these; running tasks are never restored as
// running, since after a crash their workers are gone. Recovery requeues
// happen through the worker health check instead.
type RunningRow struct {
	ID           string    `json:"id"`
	Type         task.Type `json:"type"`
	Priority     int       `json:"priority"`
	Attempt      int       `json:"attempt"`
	WorkerID     int       `json:"worker_id"`
	RuntimeSec   float64   `json:"runtime_sec"`
	HeartbeatLag float64   `json:"heartbeat_lag_sec"`
	Soft1Sent    bool      `json:"soft1_sent"`
	Soft2Sent    bool      `json:"soft2_sent"`
}

type pendingRow struct {
	ID       string    `json:"id"`
	Type     task.Type `json:"type"`
	Priority int       `json:"priority"`
	Attempt  int       `json:"attempt"`
	QueuedAt time.Time `json:"queued_at"`
	Seq      int64     `json:"seq"`
	Task     task.Task `json:"task"`
}

type snapshotDoc struct {
	TS           time.Time    `json:"ts"`
	Reason       string       `json:"reason"`
	PendingCount int          `json:"pending_count"`
	RunningCount int          `json:"running_count"`
	Pending      []pendingRow `json:"pending"`
	Running      []RunningRow `json:"running"`
}

// Snapshot atomically persists the pending set plus the supplied
// running rows, tagged with a reason. Called after every mutating
// scheduler action so a supervisor crash loses at most the in-flight
// mutation. A queue without a snapshot path skips persistence.
func (q *Queue) Snapshot(reason string, running []RunningRow) error {
	if q.snapshotPath == "" {
		return nil
	}

	doc := snapshotDoc{
		TS:           q.now().UTC(),
		Reason:       reason,
		PendingCount: len(q.pending),
		RunningCount: len(running),
		Pending:      make([]pendingRow, 0, len(q.pending)),
		Running:      running,
	}
	for _, t := range q.pending {
		doc.Pending = append(doc.Pending, pendingRow{
			ID:       t.ID,
			Type:     t.Type,
			Priority: t.Priority,
			Attempt:  t.Attempt,
			QueuedAt: t.QueuedAt,
			Seq:      t.Seq,
			Task:     t,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue snapshot: %w", err)
	}
	if err := atomicWrite(q.snapshotPath, data); err != nil {
		return fmt.Errorf("write queue snapshot: %w", err)
	}
	return nil
}

// Restore re-enqueues pending tasks from the snapshot file if it is
// younger than maxAge and the queue is currently empty. Stale, missing,
// or corrupt snapshots are discarded and the scheduler starts from an
// empty pending set. Returns the number of restored tasks.
func (q *Queue) Restore(maxAge time.Duration) (int, error) {
	if q.snapshotPath == "" || len(q.pending) > 0 {
		return 0, nil
	}

	data, err := os.ReadFile(q.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read queue snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		q.logger.Warn().Err(err).Msg("Discarding corrupt queue snapshot")
		return 0, nil
	}
	if doc.TS.IsZero() || q.now().UTC().Sub(doc.TS) > maxAge {
		q.logger.Info().
			Time("snapshot_ts", doc.TS).
			Dur("max_age", maxAge).
			Msg("Discarding stale queue snapshot")
		return 0, nil
	}

	restored := 0
	for _, row := range doc.Pending {
		t := row.Task
		if t.ID == "" {
			continue
		}
		t.Seq = 0
		q.Enqueue(t, false)
		restored++
	}
	if restored > 0 {
		q.logger.Info().Int("restored", restored).Msg("Queue restored from snapshot")
		if err := q.Snapshot("queue_restored", nil); err != nil {
			q.logger.Warn().Err(err).Msg("Failed to persist post-restore snapshot")
		}
	}
	return restored, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
