package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/realty/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "realty.json")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration saved to: "+path)

	_, err = os.Stat(path)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Agents, 3)

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, err := execute(t, "config", "init", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("force overwrites", func(t *testing.T) {
		_, err := execute(t, "config", "init", "--config", path, "--force")
		assert.NoError(t, err)
	})
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	out, err := execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "warning:")
}
