package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, `src`), 0o755))
	changes := make(chan string, 16)
	wr, err := Start(Directory(dir), OnChange(func(path string) { changes <- path }))
	require.NoError(t, err)
	defer wr.Shutdown()

	target := filepath.Join(dir, `src`, `a.js`)
	require.NoError(t, os.WriteFile(target, []byte(`1`), 0o644))
	select {
	case path := <-changes:
		assert.Equal(t, target, path)
	case <-time.After(5 * time.Second):
		t.Fatal(`no change reported`)
	}
}

func TestPatterns(t *testing.T) {
	wr := &watcher{}
	require.NoError(t, Include(`*.js`, `*.css`)(wr))
	require.NoError(t, Exclude(`.*`, `/proj/dist/**`)(wr))
	assert.True(t, wr.shouldInclude(`/proj/src/a.js`))
	assert.True(t, wr.shouldInclude(`/proj/src/a.css`))
	assert.False(t, wr.shouldInclude(`/proj/src/a.go`))
	assert.False(t, wr.shouldInclude(`/proj/src/.a.js`))
	assert.False(t, wr.shouldInclude(`/proj/dist/app.js`))

	_, err := Start(Directory(t.TempDir()))
	assert.Error(t, err, `a change handler is required`)
}
