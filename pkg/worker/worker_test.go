package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarkd/autark/pkg/task"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestSpawnDecodesEventLines(t *testing.T) {
	script := writeScript(t, `echo '{"type":"heartbeat","data":{"task_id":"t1","phase":"model_call"}}'`)
	events := make(chan task.WorkerEvent, 4)

	p, err := Spawn(3, SpawnOptions{Binary: script, Logger: zerolog.Nop()}, events)
	require.NoError(t, err)
	defer p.Kill()

	select {
	case we := <-events:
		assert.Equal(t, 3, we.WorkerID)
		hb, ok := we.Event.(*task.HeartbeatEvent)
		require.True(t, ok)
		assert.Equal(t, "t1", hb.TaskID)
		assert.Equal(t, "model_call", hb.Phase)
	case <-time.After(3 * time.Second):
		t.Fatal("no event from worker process")
	}
}

func TestSpawnSkipsUndecodableLines(t *testing.T) {
	script := writeScript(t, `echo 'garbage line'
echo '{"type":"heartbeat","data":{"task_id":"t2"}}'`)
	events := make(chan task.WorkerEvent, 4)

	p, err := Spawn(1, SpawnOptions{Binary: script, Logger: zerolog.Nop()}, events)
	require.NoError(t, err)
	defer p.Kill()

	select {
	case we := <-events:
		hb, ok := we.Event.(*task.HeartbeatEvent)
		require.True(t, ok)
		assert.Equal(t, "t2", hb.TaskID)
	case <-time.After(3 * time.Second):
		t.Fatal("valid event after garbage not delivered")
	}
}

func TestProcessLivenessAndExit(t *testing.T) {
	script := writeScript(t, `exit 0`)
	events := make(chan task.WorkerEvent, 1)

	p, err := Spawn(0, SpawnOptions{Binary: script, Logger: zerolog.Nop()}, events)
	require.NoError(t, err)

	select {
	case <-p.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, p.Alive())
	assert.Error(t, p.Assign(task.New(task.TypeInteractive, "too late")))
}

func TestKillTerminatesProcess(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	events := make(chan task.WorkerEvent, 1)

	p, err := Spawn(0, SpawnOptions{Binary: script, Logger: zerolog.Nop()}, events)
	require.NoError(t, err)
	require.True(t, p.Alive())

	done := make(chan struct{})
	go func() {
		p.Kill()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(6 * time.Second):
		t.Fatal("kill did not complete")
	}
	assert.False(t, p.Alive())
	// Second kill is a no-op.
	p.Kill()
}

func TestAssignWritesTaskDirectiveLine(t *testing.T) {
	out := filepath.Join(t.TempDir(), "received")
	script := writeScript(t, `head -n1 > `+out)
	events := make(chan task.WorkerEvent, 1)

	p, err := Spawn(2, SpawnOptions{Binary: script, Logger: zerolog.Nop()}, events)
	require.NoError(t, err)
	defer p.Kill()

	tk := task.New(task.TypeInteractive, "ship it")
	require.NoError(t, p.Assign(tk))

	select {
	case <-p.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("script did not exit after reading the directive")
	}

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var d Directive
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &d))
	assert.Equal(t, DirectiveTask, d.Kind)
	require.NotNil(t, d.Task)
	assert.Equal(t, tk.ID, d.Task.ID)
	assert.Equal(t, "ship it", d.Task.Text)
}
