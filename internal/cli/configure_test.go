package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		found := false
		for _, c := range GetRootCmd().Commands() {
			if c.Name() == "configure" {
				found = true
				break
			}
		}
		assert.True(t, found, "configure command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"configure", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "starter configuration")
	})

	t.Run("writes starter config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "autark.json")
		prevCfg, prevForce := cfgFile, configureForce
		cfgFile, configureForce = path, false
		defer func() { cfgFile, configureForce = prevCfg, prevForce }()

		require.NoError(t, runConfigure(configureCmd, nil))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Contains(t, doc, "supervisor")
		assert.Contains(t, doc, "models")

		// Refuses to clobber without --force.
		err = runConfigure(configureCmd, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--force")
	})
}
