// Package supervisor is the control plane: a single-threaded loop that
// owns the pending queue and the worker pool. All scheduler state is
// mutated from one goroutine; workers talk back over a shared event
// channel.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/autarkd/autark/internal/config"
	"github.com/autarkd/autark/internal/observability"
	"github.com/autarkd/autark/pkg/budget"
	"github.com/autarkd/autark/pkg/notify"
	"github.com/autarkd/autark/pkg/queue"
	"github.com/autarkd/autark/pkg/task"
	"github.com/autarkd/autark/pkg/worker"
)

// WorkerFactory spawns a fresh worker for a slot.
type WorkerFactory func(id int) (worker.Worker, error)

// Options wires a Supervisor.
type Options struct {
	Config      config.SupervisorConfig
	Queue       *queue.Queue
	Events      chan task.WorkerEvent
	SpawnWorker WorkerFactory
	Notifier    notify.Notifier
	Budget      *budget.Store
	Reverter    Reverter
	Sources     []TaskSource
	Logger      zerolog.Logger
	// Clock overrides the wall clock, for tests.
	Clock func() time.Time
}

// running tracks one in-flight task, keyed by worker slot.
type running struct {
	task          task.Task
	startedAt     time.Time
	lastHeartbeat time.Time
	phase         string
	soft1Sent     bool
	soft2Sent     bool
}

// Supervisor owns all scheduling state. Methods are not safe for
// concurrent use; everything runs on the Run goroutine except Submit
// and Steer, which hand off through channels.
type Supervisor struct {
	cfg      config.SupervisorConfig
	queue    *queue.Queue
	events   chan task.WorkerEvent
	spawn    WorkerFactory
	notifier notify.Notifier
	budget   *budget.Store
	reverter Reverter
	sources  []TaskSource

	workers map[int]worker.Worker
	running map[int]*running
	// crashes is the rolling window for the storm guard.
	crashes      []time.Time
	stormHandled bool

	intake     chan task.Task
	steerReq   chan steerRequest
	dispatcher *Dispatcher

	logger zerolog.Logger
	now    func() time.Time
}

type steerRequest struct {
	taskID string
	text   string
}

// New creates a Supervisor. Run must be called to start it.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = &notify.LogNotifier{Logger: opts.Logger}
	}
	if opts.Reverter == nil {
		opts.Reverter = NopReverter{}
	}

	s := &Supervisor{
		cfg:      opts.Config,
		queue:    opts.Queue,
		events:   opts.Events,
		spawn:    opts.SpawnWorker,
		notifier: opts.Notifier,
		budget:   opts.Budget,
		reverter: opts.Reverter,
		sources:  opts.Sources,
		workers:  make(map[int]worker.Worker),
		running:  make(map[int]*running),
		intake:   make(chan task.Task, 64),
		steerReq: make(chan steerRequest, 16),
		logger:   opts.Logger,
		now:      opts.Clock,
	}
	s.dispatcher = s.buildDispatcher()
	return s
}

// Submit enqueues a task from outside the control loop. Safe from any
// goroutine.
func (s *Supervisor) Submit(t task.Task) {
	s.intake <- t
}

// Steer forwards a requester message to the worker running the task.
func (s *Supervisor) Steer(taskID, text string) {
	s.steerReq <- steerRequest{taskID: taskID, text: text}
}

// Run is the control loop. It restores the queue, spawns the pool, and
// processes events and ticks until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if restored, err := s.queue.Restore(time.Duration(s.cfg.SnapshotMaxAge) * time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("Queue restore failed; starting empty")
	} else if restored > 0 {
		s.logger.Info().Int("restored", restored).Msg("Pending tasks restored")
	}

	for id := 0; id < s.cfg.Workers; id++ {
		s.respawn(id)
	}
	defer s.shutdown()

	for _, src := range s.sources {
		if err := src.Start(s.Submit); err != nil {
			return fmt.Errorf("start task source: %w", err)
		}
	}

	watcher := s.watchRestartMarker()
	if watcher != nil {
		defer watcher.Close()
	}
	var markerEvents chan fsnotify.Event
	if watcher != nil {
		markerEvents = make(chan fsnotify.Event, 1)
		go forwardMarkerEvents(watcher, markerEvents)
	}

	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()

	s.assign()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case we := <-s.events:
			s.dispatcher.Dispatch(ctx, we)
			s.assign()

		case t := <-s.intake:
			if !s.admit(t) {
				s.logger.Info().Str("task_id", t.ID).Str("type", string(t.Type)).
					Msg("Task gated at intake; dropped")
				continue
			}
			s.queue.Enqueue(t, false)
			s.persist("task_submitted")
			s.assign()

		case req := <-s.steerReq:
			s.steerRunning(req)

		case <-markerEvents:
			s.applyPendingRestart(ctx)

		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick is the periodic maintenance pass: liveness, timeout ladder,
// assignment.
func (s *Supervisor) tick(ctx context.Context) {
	s.checkWorkers(ctx)
	s.checkTimeouts(ctx)
	s.assign()
}

// assign hands pending tasks to idle live workers in priority order.
func (s *Supervisor) assign() {
	for id, w := range s.workers {
		if w == nil || !w.Alive() {
			continue
		}
		if _, busy := s.running[id]; busy {
			continue
		}
		t, ok := s.queue.DequeueNext()
		if !ok {
			break
		}
		if err := w.Assign(t); err != nil {
			s.logger.Warn().Err(err).Int("worker_id", id).Str("task_id", t.ID).
				Msg("Assign failed; requeueing")
			s.queue.Enqueue(t, true)
			continue
		}
		now := s.now()
		s.running[id] = &running{task: t, startedAt: now, lastHeartbeat: now}
		s.logger.Info().Int("worker_id", id).Str("task_id", t.ID).
			Str("type", string(t.Type)).Int("attempt", t.Attempt).Msg("Task assigned")
		s.persist("task_assigned")
	}
	s.updateGauges()
}

// checkWorkers respawns dead workers, requeues their tasks, and trips
// the crash-storm guard.
func (s *Supervisor) checkWorkers(ctx context.Context) {
	crashed := false
	for id, w := range s.workers {
		if w != nil && w.Alive() {
			continue
		}
		if w != nil {
			// Unexpected death, not a slot we are still filling.
			crashed = true
			observability.RecordWorkerCrash()
			s.crashes = append(s.crashes, s.now())
			s.logger.Warn().Int("worker_id", id).Msg("Worker died")
			if r, ok := s.running[id]; ok {
				delete(s.running, id)
				s.recoverTask(r, "worker crash")
			}
		}
		s.respawn(id)
	}
	if crashed {
		s.checkCrashStorm(ctx)
		s.persist("worker_crash")
	}
}

// checkCrashStorm fires the storm response when enough crashes landed in
// the rolling window. One response per storm; the window clears after.
func (s *Supervisor) checkCrashStorm(ctx context.Context) {
	window := time.Duration(s.cfg.CrashStormWindow) * time.Second
	cutoff := s.now().Add(-window)
	kept := s.crashes[:0]
	for _, at := range s.crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.crashes = kept

	if len(s.crashes) < s.cfg.CrashStormCount {
		s.stormHandled = false
		return
	}
	if s.stormHandled {
		return
	}
	s.stormHandled = true
	s.crashes = nil
	observability.RecordCrashStorm()
	s.logger.Error().Int("count", s.cfg.CrashStormCount).Dur("window", window).
		Msg("Crash storm detected; rolling back to stable revision")
	s.notify(ctx, notify.Message{Text: "Crash storm detected. Rolling back to the last stable revision."})

	if err := s.reverter.Rollback(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Rollback failed")
		s.notify(ctx, notify.Message{Text: "Rollback failed: " + err.Error()})
		return
	}
	if err := s.reverter.Verify(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Post-rollback verify failed")
		s.notify(ctx, notify.Message{Text: "Rollback verification failed: " + err.Error()})
		return
	}
	s.respawnAll()
}

// checkTimeouts walks the running table through the escalation ladder.
func (s *Supervisor) checkTimeouts(ctx context.Context) {
	soft1 := time.Duration(s.cfg.SoftTimeout1Sec) * time.Second
	soft2 := time.Duration(s.cfg.SoftTimeout2Sec) * time.Second
	hard := time.Duration(s.cfg.HardTimeoutSec) * time.Second
	staleAfter := time.Duration(s.cfg.HeartbeatStale) * time.Second
	now := s.now()

	for id, r := range s.running {
		runtime := now.Sub(r.startedAt)
		hbLag := now.Sub(r.lastHeartbeat)
		stale := hbLag > staleAfter

		switch {
		case runtime > hard:
			observability.RecordTaskTimeout("hard")
			s.logger.Error().Int("worker_id", id).Str("task_id", r.task.ID).
				Dur("runtime", runtime).Msg("Hard timeout; killing worker")
			delete(s.running, id)
			if w := s.workers[id]; w != nil {
				w.Kill()
			}
			s.respawn(id)
			s.recoverTask(r, "hard timeout")
			s.persist("hard_timeout")

		case runtime > soft2 && !r.soft2Sent:
			r.soft2Sent = true
			observability.RecordTaskTimeout("soft2")
			s.notify(ctx, notify.Message{
				Recipient: r.task.Recipient,
				Text:      escalationNotice(r.task, 2, runtime, hbLag, stale, hard),
			})

		case runtime > soft1 && !r.soft1Sent:
			r.soft1Sent = true
			observability.RecordTaskTimeout("soft1")
			s.notify(ctx, notify.Message{
				Recipient: r.task.Recipient,
				Text:      escalationNotice(r.task, 1, runtime, hbLag, stale, hard),
			})
		}
	}
}

func escalationNotice(t task.Task, level int, runtime, hbLag time.Duration, stale bool, hard time.Duration) string {
	marker := "worker is heartbeating"
	if stale {
		marker = "heartbeat is STALE; the worker may be stuck"
	}
	return fmt.Sprintf("Task %s has been running for %s (notice %d/2, heartbeat lag %s, %s). Hard timeout at %s.",
		t.ID, runtime.Round(time.Second), level, hbLag.Round(time.Second), marker, hard)
}

// recoverTask decides the fate of a task whose worker is gone: front
// requeue with a bumped attempt, or a terminal drop notice once retries
// are spent.
func (s *Supervisor) recoverTask(r *running, cause string) {
	t := r.task
	if t.Attempt > s.cfg.MaxRetries {
		s.logger.Warn().Str("task_id", t.ID).Int("attempt", t.Attempt).
			Str("cause", cause).Msg("Retries exhausted; dropping task")
		s.notify(context.Background(), notify.Message{
			Recipient: t.Recipient,
			Text:      fmt.Sprintf("Task %s failed (%s) after %d attempts and was dropped.", t.ID, cause, t.Attempt),
		})
		return
	}
	retry := t
	retry.Attempt++
	retry.RetryOf = t.ID
	s.queue.Enqueue(retry, true)
	s.logger.Info().Str("task_id", t.ID).Int("attempt", retry.Attempt).
		Str("cause", cause).Msg("Task requeued at front")
}

// respawn fills one worker slot. Failures leave the slot nil; the next
// tick retries.
func (s *Supervisor) respawn(id int) {
	if w := s.workers[id]; w != nil && w.Alive() {
		w.Kill()
	}
	w, err := s.spawn(id)
	if err != nil {
		s.logger.Error().Err(err).Int("worker_id", id).Msg("Worker spawn failed")
		s.workers[id] = nil
		return
	}
	s.workers[id] = w
	observability.RecordWorkerRespawn()
}

func (s *Supervisor) respawnAll() {
	s.logger.Info().Msg("Respawning the full worker pool")
	for id, r := range s.running {
		delete(s.running, id)
		s.recoverTask(r, "pool respawn")
	}
	for id := range s.workers {
		s.respawn(id)
	}
	s.persist("pool_respawn")
}

// applyPendingRestart reacts to the restart marker: apply, verify, and
// on failure roll back, then respawn the pool with the surviving code.
func (s *Supervisor) applyPendingRestart(ctx context.Context) {
	if s.budget == nil {
		return
	}
	st := s.budget.Load()
	if !st.PendingRestart {
		return
	}
	s.logger.Info().Str("reason", st.RestartReason).Msg("Applying pending restart")
	s.notify(ctx, notify.Message{Text: "Applying code update: " + st.RestartReason})

	applyErr := s.reverter.Apply(ctx)
	if applyErr == nil {
		applyErr = s.reverter.Verify(ctx)
	}
	if applyErr != nil {
		s.logger.Error().Err(applyErr).Msg("Update failed; rolling back")
		s.notify(ctx, notify.Message{Text: "Update failed, rolling back: " + applyErr.Error()})
		if err := s.reverter.Rollback(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Rollback after failed update also failed")
		}
	}
	if err := s.budget.ClearRestart(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to clear restart marker")
	}
	s.respawnAll()
}

func (s *Supervisor) steerRunning(req steerRequest) {
	for id, r := range s.running {
		if r.task.ID != req.taskID {
			continue
		}
		w := s.workers[id]
		if w == nil {
			return
		}
		if err := w.Steer(req.text); err != nil {
			s.logger.Warn().Err(err).Str("task_id", req.taskID).Msg("Steer delivery failed")
		}
		return
	}
	s.logger.Warn().Str("task_id", req.taskID).Msg("Steer target not running")
}

// watchRestartMarker sets up the fsnotify watcher on the budget state
// directory. Nil when there is no budget store or watching fails.
func (s *Supervisor) watchRestartMarker() *fsnotify.Watcher {
	if s.budget == nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Restart marker watch unavailable")
		return nil
	}
	dir := filepath.Dir(s.budget.MarkerPath())
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("Restart marker watch failed")
		watcher.Close()
		return nil
	}
	return watcher
}

func forwardMarkerEvents(watcher *fsnotify.Watcher, out chan<- fsnotify.Event) {
	for ev := range watcher.Events {
		if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
			continue
		}
		select {
		case out <- ev:
		default:
		}
	}
}

func (s *Supervisor) shutdown() {
	for _, src := range s.sources {
		src.Stop()
	}
	for id, w := range s.workers {
		if w != nil {
			w.Kill()
		}
		delete(s.workers, id)
	}
	s.persist("shutdown")
	s.logger.Info().Msg("Supervisor stopped")
}

// persist snapshots the queue plus the running table.
func (s *Supervisor) persist(reason string) {
	rows := make([]queue.RunningRow, 0, len(s.running))
	now := s.now()
	for id, r := range s.running {
		rows = append(rows, queue.RunningRow{
			ID:           r.task.ID,
			Type:         r.task.Type,
			Priority:     r.task.Priority,
			Attempt:      r.task.Attempt,
			WorkerID:     id,
			RuntimeSec:   now.Sub(r.startedAt).Seconds(),
			HeartbeatLag: now.Sub(r.lastHeartbeat).Seconds(),
			Soft1Sent:    r.soft1Sent,
			Soft2Sent:    r.soft2Sent,
		})
	}
	if err := s.queue.Snapshot(reason, rows); err != nil {
		s.logger.Warn().Err(err).Str("reason", reason).Msg("Snapshot failed")
	}
}

func (s *Supervisor) updateGauges() {
	observability.SetRunningTasks(len(s.running))
	idle := 0
	for id, w := range s.workers {
		if w != nil && w.Alive() {
			if _, busy := s.running[id]; !busy {
				idle++
			}
		}
	}
	observability.SetIdleWorkers(idle)
}

func (s *Supervisor) notify(ctx context.Context, msg notify.Message) {
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Msg("Notification failed")
	}
}
