package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns everything it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgFile = ""
	historyJSON = false
	configForce = false

	cmd := GetRootCmd()
	resetFlags(cmd)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

// resetFlags clears flag values left over from earlier Execute calls on the
// shared command tree.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeConfig writes a minimal config rooted at dir and returns its path.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()

	cfg := map[string]any{
		"data_dir": dir,
		"sessions": map[string]any{
			"backend": "sqlite",
			"path":    filepath.Join(dir, "history.db"),
		},
		"logging": map[string]any{
			"level": "error",
			"file":  filepath.Join(dir, "realty.log"),
		},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "realty.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}
