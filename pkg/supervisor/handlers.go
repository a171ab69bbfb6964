package supervisor

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/autarkd/autark/pkg/notify"
	"github.com/autarkd/autark/pkg/task"
)

// buildDispatcher registers one handler per event kind. Kinds without a
// handler fall through to the dispatcher's drop path.
func (s *Supervisor) buildDispatcher() *Dispatcher {
	d := NewDispatcher(s.logger)
	d.Register(task.EventUsage, s.onUsage)
	d.Register(task.EventHeartbeat, s.onHeartbeat)
	d.Register(task.EventOutgoingMessage, s.onMessage)
	d.Register(task.EventTypingIndicator, s.onTyping)
	d.Register(task.EventTaskCompleted, s.onCompleted)
	d.Register(task.EventTaskMetrics, s.onMetrics)
	d.Register(task.EventRestartRequested, s.onRestartRequested)
	d.Register(task.EventPromoteRequested, s.onPromoteRequested)
	d.Register(task.EventScheduleTask, s.onScheduleTask)
	d.Register(task.EventCancelTask, s.onCancelTask)
	return d
}

func (s *Supervisor) onUsage(_ context.Context, _ int, ev task.Event) {
	usage := ev.(*task.UsageEvent)
	if s.budget == nil {
		return
	}
	if _, err := s.budget.AddUsage(usage.Cost); err != nil {
		s.logger.Warn().Err(err).Str("task_id", usage.TaskID).Msg("Budget update failed")
	}
}

func (s *Supervisor) onHeartbeat(_ context.Context, workerID int, ev task.Event) {
	hb := ev.(*task.HeartbeatEvent)
	r, ok := s.running[workerID]
	if !ok || r.task.ID != hb.TaskID {
		s.logger.Debug().Int("worker_id", workerID).Str("task_id", hb.TaskID).
			Msg("Heartbeat for task not in running table")
		return
	}
	r.lastHeartbeat = s.now()
	r.phase = hb.Phase
}

func (s *Supervisor) onMessage(ctx context.Context, _ int, ev task.Event) {
	msg := ev.(*task.MessageEvent)
	s.notify(ctx, notify.Message{
		Recipient: msg.Recipient,
		Text:      msg.Text,
		Progress:  msg.Progress,
	})
}

func (s *Supervisor) onTyping(_ context.Context, workerID int, ev task.Event) {
	typing := ev.(*task.TypingEvent)
	s.logger.Debug().Int("worker_id", workerID).Str("task_id", typing.TaskID).Msg("Worker composing")
}

func (s *Supervisor) onCompleted(ctx context.Context, workerID int, ev task.Event) {
	done := ev.(*task.CompletedEvent)
	r, ok := s.running[workerID]
	if !ok || r.task.ID != done.TaskID {
		s.logger.Warn().Int("worker_id", workerID).Str("task_id", done.TaskID).
			Msg("Completion for task not in running table")
		return
	}
	delete(s.running, workerID)
	s.logger.Info().Str("task_id", done.TaskID).Float64("cost", done.Usage.Cost).
		Int("rounds", done.Usage.Rounds).Msg("Task completed")

	if r.task.Recipient != "" && done.Result != "" {
		s.notify(ctx, notify.Message{Recipient: r.task.Recipient, Text: done.Result})
	}
	s.scheduleFollowUp(r.task, done.Result)
	s.persist("task_completed")
}

// scheduleFollowUp enqueues an automatic review for review-worthy task
// types. Reviews themselves never spawn further reviews.
func (s *Supervisor) scheduleFollowUp(completed task.Task, result string) {
	if completed.Type != task.TypeSelfImprove {
		return
	}
	summary := clipSummary(result, 2000)
	review := task.New(task.TypeReview, fmt.Sprintf(
		"Review the outcome of self-improvement task %s. Check the changes are sound and worth promoting.\n\nReported result:\n%s",
		completed.ID, summary))
	review.ReviewOf = completed.ID
	s.queue.Enqueue(review, false)
	s.logger.Info().Str("review_id", review.ID).Str("task_id", completed.ID).
		Msg("Auto-review scheduled")
}

func (s *Supervisor) onMetrics(_ context.Context, _ int, ev task.Event) {
	m := ev.(*task.MetricsEvent)
	s.logger.Info().Str("task_id", m.TaskID).Int("rounds", m.Rounds).
		Int("tool_calls", m.ToolCalls).Int("tool_errors", m.ToolErrors).
		Dur("duration", m.Duration).Msg("Task metrics")
}

func (s *Supervisor) onRestartRequested(ctx context.Context, _ int, ev task.Event) {
	req := ev.(*task.RestartEvent)
	if s.budget == nil {
		s.logger.Warn().Str("task_id", req.TaskID).Msg("Restart requested but no state store; ignoring")
		return
	}
	if err := s.budget.RequestRestart(req.Reason); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record restart request")
		return
	}
	s.applyPendingRestart(ctx)
}

func (s *Supervisor) onPromoteRequested(ctx context.Context, _ int, ev task.Event) {
	req := ev.(*task.PromoteEvent)
	rev, err := s.reverter.Promote(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", req.TaskID).Msg("Promote failed")
		s.notify(ctx, notify.Message{Text: "Promote failed: " + err.Error()})
		return
	}
	if s.budget != nil && rev != "" {
		if err := s.budget.SetStableRevision(rev); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist stable revision")
		}
	}
	s.logger.Info().Str("revision", rev).Str("reason", req.Reason).Msg("Revision promoted")
}

func (s *Supervisor) onScheduleTask(_ context.Context, workerID int, ev task.Event) {
	sched := ev.(*task.ScheduleEvent)
	t := sched.Task
	if t.ID == "" {
		t.ID = task.NewID()
	}
	s.queue.Enqueue(t, false)
	s.logger.Info().Int("worker_id", workerID).Str("task_id", t.ID).
		Str("type", string(t.Type)).Msg("Worker-scheduled task enqueued")
	s.persist("task_scheduled")
}

func (s *Supervisor) onCancelTask(ctx context.Context, _ int, ev task.Event) {
	cancel := ev.(*task.CancelEvent)
	if s.queue.Cancel(cancel.Target) {
		s.persist("task_cancelled")
		return
	}
	for id, r := range s.running {
		if r.task.ID != cancel.Target {
			continue
		}
		s.logger.Info().Str("task_id", cancel.Target).Int("worker_id", id).
			Msg("Cancelling running task; killing worker")
		delete(s.running, id)
		if w := s.workers[id]; w != nil {
			w.Kill()
		}
		s.respawn(id)
		s.notify(ctx, notify.Message{
			Recipient: r.task.Recipient,
			Text:      fmt.Sprintf("Task %s was cancelled.", cancel.Target),
		})
		s.persist("task_cancelled")
		return
	}
	s.logger.Debug().Str("task_id", cancel.Target).Msg("Cancel target not found")
}

// clipSummary caps s at n bytes without splitting a UTF-8 rune.
func clipSummary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// admit applies intake gating on the control loop goroutine. A new
// self-improvement cycle is only admitted when none is pending or
// running.
func (s *Supervisor) admit(t task.Task) bool {
	if t.Type != task.TypeSelfImprove {
		return true
	}
	if s.queue.HasType(task.TypeSelfImprove) {
		return false
	}
	for _, r := range s.running {
		if r.task.Type == task.TypeSelfImprove {
			return false
		}
	}
	return true
}
