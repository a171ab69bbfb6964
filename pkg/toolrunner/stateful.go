package toolrunner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type laneJob struct {
	ctx    context.Context
	tool   *ToolDefinition
	params map[string]interface{}
	done   chan laneOutcome
}

type laneOutcome struct {
	output string
	err    error
}

// statefulLane runs stateful tools one at a time on a dedicated goroutine
// so session state (shell working directory, open handles) persists across
// calls. A timed-out call leaves the goroutine busy, so the lane is
// replaced and the stale goroutine drains away when its call returns.
type statefulLane struct {
	mu     sync.Mutex
	jobs   chan *laneJob
	logger zerolog.Logger
}

func newStatefulLane(logger zerolog.Logger) *statefulLane {
	l := &statefulLane{logger: logger}
	l.jobs = l.spawn()
	return l
}

func (l *statefulLane) spawn() chan *laneJob {
	jobs := make(chan *laneJob)
	go func() {
		for job := range jobs {
			output, err := job.tool.Handler(job.ctx, job.params)
			job.done <- laneOutcome{output, err}
		}
	}()
	return jobs
}

// run submits a call to the lane and waits up to timeout for its result.
func (l *statefulLane) run(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, timeout time.Duration) (string, error, bool) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	job := &laneJob{
		ctx:    timeoutCtx,
		tool:   tool,
		params: params,
		done:   make(chan laneOutcome, 1),
	}

	l.mu.Lock()
	jobs := l.jobs
	l.mu.Unlock()

	select {
	case jobs <- job:
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err(), false
		}
		// Lane still busy with an earlier call.
		l.reset()
		return "", nil, true
	}

	select {
	case o := <-job.done:
		return o.output, o.err, false
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err(), false
		}
		l.reset()
		return "", nil, true
	}
}

// reset abandons the current lane goroutine and starts a fresh one.
// Session state held by stateful tools is dropped with it.
func (l *statefulLane) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jobs == nil {
		return
	}
	close(l.jobs)
	l.jobs = l.spawn()
	l.logger.Warn().Msg("Stateful tool lane reset")
}

func (l *statefulLane) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jobs != nil {
		close(l.jobs)
		l.jobs = nil
	}
}
