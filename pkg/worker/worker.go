// Package worker manages execution slots. The supervisor side talks to
// worker processes over JSON lines: directives in over stdin, events out
// over stdout. Worker stderr is passthrough log output.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/pkg/task"
)

// Directive is one supervisor→worker instruction.
type Directive struct {
	Kind string     `json:"kind"`
	Task *task.Task `json:"task,omitempty"`
	Text string     `json:"text,omitempty"`
}

const (
	DirectiveTask     = "task"
	DirectiveSteer    = "steer"
	DirectiveShutdown = "shutdown"
)

// Worker is the supervisor's handle on one execution slot.
type Worker interface {
	ID() int
	// Assign hands the worker a task. The worker must be idle.
	Assign(t task.Task) error
	// Steer forwards a requester message to the running task.
	Steer(text string) error
	Alive() bool
	// Kill terminates the worker process. Safe to call twice.
	Kill()
}

// Process is a Worker backed by an `autark worker` subprocess.
type Process struct {
	id     int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger zerolog.Logger

	mu    sync.Mutex
	dead  bool
	waitC chan struct{}
}

// SpawnOptions configures a worker subprocess.
type SpawnOptions struct {
	// Binary is the executable to spawn; defaults to the current binary.
	Binary string
	// ConfigPath is passed through so the worker loads the same config.
	ConfigPath string
	Logger     zerolog.Logger
}

// Spawn starts a worker subprocess. Decoded stdout events are pushed to
// the shared events channel tagged with this worker's ID; malformed
// lines are logged and skipped. The channel receives until the process
// exits.
func Spawn(id int, opts SpawnOptions, events chan<- task.WorkerEvent) (*Process, error) {
	binary := opts.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		binary = exe
	}

	args := []string{"worker", "--worker-id", strconv.Itoa(id)}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", id, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	p := &Process{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		logger: opts.Logger.With().Int("worker_id", id).Logger(),
		waitC:  make(chan struct{}),
	}

	go p.listen(stdout, events)
	p.logger.Info().Int("pid", cmd.Process.Pid).Msg("Worker spawned")
	return p, nil
}

// listen decodes stdout event lines until the pipe closes, then reaps
// the process.
func (p *Process) listen(stdout io.Reader, events chan<- task.WorkerEvent) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := task.DecodeEvent(line)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Undecodable worker event line")
			continue
		}
		events <- task.WorkerEvent{WorkerID: p.id, Event: ev}
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
	close(p.waitC)

	if err != nil {
		p.logger.Warn().Err(err).Msg("Worker process exited")
	} else {
		p.logger.Info().Msg("Worker process exited cleanly")
	}
}

func (p *Process) ID() int { return p.id }

func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.waitC }

func (p *Process) Assign(t task.Task) error {
	return p.send(Directive{Kind: DirectiveTask, Task: &t})
}

func (p *Process) Steer(text string) error {
	return p.send(Directive{Kind: DirectiveSteer, Text: text})
}

func (p *Process) send(d Directive) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return fmt.Errorf("worker %d is dead", p.id)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal directive: %w", err)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to worker %d: %w", p.id, err)
	}
	return nil
}

// Kill sends SIGKILL and waits briefly for the reaper. Idempotent.
func (p *Process) Kill() {
	p.mu.Lock()
	dead := p.dead
	p.mu.Unlock()
	if dead {
		return
	}

	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.waitC:
	case <-time.After(5 * time.Second):
		p.logger.Error().Msg("Worker did not exit after kill")
	}
}

// Shutdown asks the worker to exit after its current task. Falls back to
// Kill when the directive cannot be delivered.
func (p *Process) Shutdown() {
	if err := p.send(Directive{Kind: DirectiveShutdown}); err != nil {
		p.Kill()
	}
}
