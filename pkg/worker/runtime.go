package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/pkg/contextmgr"
	"github.com/autarkd/autark/pkg/engine"
	"github.com/autarkd/autark/pkg/task"
)

// TaskRunner executes one task to a terminal result. Implemented by
// engine.Engine; tests substitute fakes.
type TaskRunner interface {
	Run(ctx context.Context, t task.Task, a contextmgr.Assembly) (engine.Result, error)
}

// AssemblyFunc builds the prompt assembly for a task.
type AssemblyFunc func(t task.Task) contextmgr.Assembly

// RuntimeOptions configures the worker-side loop.
type RuntimeOptions struct {
	In  io.Reader
	Out io.Writer

	Runner   TaskRunner
	Assembly AssemblyFunc
	// Steering is shared with the engine; steer directives land here.
	Steering chan<- string
	// Phase mirrors the engine's phase reports onto heartbeats.
	Phase func() string

	HeartbeatEvery time.Duration
	Logger         zerolog.Logger
}

// Runtime reads directives from stdin, runs tasks one at a time, and
// writes events to stdout. Steering directives are forwarded while a
// task runs, so reading continues during execution.
type Runtime struct {
	opts RuntimeOptions

	outMu sync.Mutex

	mu      sync.Mutex
	current string
}

// NewRuntime creates a worker runtime.
func NewRuntime(opts RuntimeOptions) *Runtime {
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	return &Runtime{opts: opts}
}

// Run processes directives until stdin closes, a shutdown directive
// arrives, or the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.opts.In)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var tasks sync.WaitGroup
	defer tasks.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var d Directive
		if err := json.Unmarshal(line, &d); err != nil {
			r.opts.Logger.Warn().Err(err).Msg("Undecodable directive line")
			continue
		}

		switch d.Kind {
		case DirectiveTask:
			if d.Task == nil {
				r.opts.Logger.Warn().Msg("Task directive without task payload")
				continue
			}
			if !r.setCurrent(d.Task.ID) {
				r.opts.Logger.Error().
					Str("task_id", d.Task.ID).
					Str("running", r.currentTask()).
					Msg("Task assigned while busy; dropping")
				continue
			}
			tasks.Add(1)
			go func(t task.Task) {
				defer tasks.Done()
				r.runTask(ctx, t)
			}(*d.Task)

		case DirectiveSteer:
			if r.opts.Steering != nil && r.currentTask() != "" {
				select {
				case r.opts.Steering <- d.Text:
				default:
					r.opts.Logger.Warn().Msg("Steering buffer full; message dropped")
				}
			}

		case DirectiveShutdown:
			r.opts.Logger.Info().Msg("Shutdown directive received")
			return nil

		default:
			r.opts.Logger.Warn().Str("kind", d.Kind).Msg("Unknown directive kind")
		}
	}
	return scanner.Err()
}

// runTask drives one task and emits its terminal events. A heartbeat
// ticker runs for the task's whole duration.
func (r *Runtime) runTask(ctx context.Context, t task.Task) {
	defer r.clearCurrent()

	started := time.Now()
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.heartbeatLoop(hbCtx, t.ID)

	assembly := contextmgr.Assembly{}
	if r.opts.Assembly != nil {
		assembly = r.opts.Assembly(t)
	}

	res, err := r.opts.Runner.Run(ctx, t, assembly)
	if err != nil {
		r.opts.Logger.Error().Err(err).Str("task_id", t.ID).Msg("Task run aborted")
		return
	}

	r.Emit(&task.CompletedEvent{TaskID: t.ID, Result: res.Text, Usage: res.Usage})
	r.Emit(&task.MetricsEvent{
		TaskID:     t.ID,
		Rounds:     res.Rounds,
		ToolCalls:  res.ToolCalls,
		ToolErrors: res.ToolErrors,
		Duration:   time.Since(started),
	})
}

func (r *Runtime) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(r.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			phase := ""
			if r.opts.Phase != nil {
				phase = r.opts.Phase()
			}
			r.Emit(&task.HeartbeatEvent{TaskID: taskID, Phase: phase})
		}
	}
}

// Emit writes one event line to stdout. Serialized; event lines must
// never interleave.
func (r *Runtime) Emit(ev task.Event) {
	data, err := task.EncodeEvent(ev)
	if err != nil {
		r.opts.Logger.Error().Err(err).Str("kind", string(ev.Kind())).Msg("Event encode failed")
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if _, err := r.opts.Out.Write(append(data, '\n')); err != nil {
		r.opts.Logger.Error().Err(err).Msg("Event write failed")
	}
}

func (r *Runtime) setCurrent(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != "" {
		return false
	}
	r.current = taskID
	return true
}

func (r *Runtime) clearCurrent() {
	r.mu.Lock()
	r.current = ""
	r.mu.Unlock()
}

func (r *Runtime) currentTask() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
