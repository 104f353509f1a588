package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "rules.json")
		require.NoError(t, WriteRulesFile(path, []Rule{{Category: Email, Keywords: []string{"inbox"}}}, ""))

		c, err := LoadRulesFile(path)
		require.NoError(t, err)
		assert.Equal(t, Email, c.Classify("check my inbox"))
		assert.Equal(t, General, c.Fallback())
	})

	t.Run("invalid json", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

		_, err := LoadRulesFile(path)
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRulesFile(filepath.Join(dir, "absent.json"))
		assert.Error(t, err)
	})
}

func TestWatcher_ReloadSwapsOnlyValidRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, WriteRulesFile(path, []Rule{{Category: Location, Keywords: []string{"castle"}}}, General))

	src := NewSource(NewDefault())
	w, err := NewWatcher(WatcherConfig{Path: path, Source: src})
	require.NoError(t, err)
	defer w.Stop()

	w.Reload()
	assert.Equal(t, Location, src.Classify("a castle for sale"))

	require.NoError(t, os.WriteFile(path, []byte(`{"rules":[{"category":"email","keywords":[]}]}`), 0644))
	w.Reload()
	assert.Equal(t, Location, src.Classify("a castle for sale"))
}

func TestWatcher_ReloadRejectsUnboundCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rules":[{"category":"finance","keywords":["invest"]}]}`), 0644))

	bound := map[Category]bool{Email: true, Location: true, General: true}
	src := NewSource(NewDefault())
	before := src.Current()

	var reloadErr error
	w, err := NewWatcher(WatcherConfig{
		Path:   path,
		Source: src,
		Validate: func(c *Classifier) error {
			for _, cat := range c.Categories() {
				if !bound[cat] {
					return fmt.Errorf("no agent bound to category %s", cat)
				}
			}
			return nil
		},
		OnReload: func(_ *Classifier, err error) { reloadErr = err },
	})
	require.NoError(t, err)
	defer w.Stop()

	w.Reload()
	require.Error(t, reloadErr)
	assert.Contains(t, reloadErr.Error(), "finance")
	assert.Same(t, before, src.Current())
	assert.Equal(t, General, src.Classify("What's a good investment strategy?"))

	require.NoError(t, WriteRulesFile(path, []Rule{{Category: Email, Keywords: []string{"invest"}}}, General))
	w.Reload()
	require.NoError(t, reloadErr)
	assert.NotSame(t, before, src.Current())
	assert.Equal(t, Email, src.Classify("What's a good investment strategy?"))
}

func TestWatcher_ReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, WriteRulesFile(path, DefaultRules(), General))

	src := NewSource(NewDefault())
	reloaded := make(chan error, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		Source:   src,
		Debounce: 20 * time.Millisecond,
		OnReload: func(_ *Classifier, err error) { reloaded <- err },
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, WriteRulesFile(path, []Rule{{Category: Email, Keywords: []string{"penthouse"}}}, General))

	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("rules were not reloaded")
	}
	assert.Equal(t, Email, src.Classify("penthouse with a view"))
}

func TestNewWatcher_RequiresPathAndSource(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Source: NewSource(NewDefault())})
	assert.Error(t, err)
	_, err = NewWatcher(WatcherConfig{Path: "rules.json"})
	assert.Error(t, err)
}
