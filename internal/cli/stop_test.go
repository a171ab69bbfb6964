package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		found := false
		for _, c := range GetRootCmd().Commands() {
			if c.Name() == "stop" {
				found = true
				break
			}
		}
		assert.True(t, found, "stop command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"stop", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Stop the supervisor")
		assert.Contains(t, helpText, "timeout")
	})
}

func TestReadPID(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := readPID(filepath.Join(t.TempDir(), "absent.pid"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("garbage content", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "bad.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("zzz"), 0o644))
		_, err := readPID(pidFile)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid PID file")
	})

	t.Run("valid pid", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "good.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("12345"), 0o644))
		pid, err := readPID(pidFile)
		require.NoError(t, err)
		assert.Equal(t, 12345, pid)
	})
}
