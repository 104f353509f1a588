package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realty.log")

	w, err := NewRotatingWriter(path, 1, 0, false)
	require.NoError(t, err)
	defer w.Close()

	chunk := []byte(strings.Repeat("x", 600*1024))
	_, err = w.Write(chunk)
	require.NoError(t, err)
	_, err = w.Write(chunk)
	require.NoError(t, err)

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriter_NoRotationWhenUnbounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realty.log")

	w, err := NewRotatingWriter(path, 0, 0, false)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		_, err := w.Write([]byte("line\n"))
		require.NoError(t, err)
	}

	matches, _ := filepath.Glob(path + ".*")
	assert.Empty(t, matches)
}

func TestRotatingWriter_PrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realty.log")
	old := path + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	w, err := NewRotatingWriter(path, 1, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}
