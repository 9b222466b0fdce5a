package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keelci/internal/core"
)

const lint = `
name: lint
trigger: {repository: acme/webapp}
stages:
  - {name: vet, run: go vet ./...}
`

const webapp = `
name: webapp
image: registry.local/webapp
stages:
  - {name: checkout, run: git clone}
  - {name: build, kind: build}
`

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "webapp.yaml", webapp)
	write(t, dir, "lint.yml", lint)
	write(t, dir, "README.md", "not a pipeline")
	write(t, dir, ".hidden.yaml", "garbage: [")

	c, err := Load(dir, nil)
	require.NoError(t, err)

	var names []string
	for _, d := range c.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"lint", "webapp"}, names)

	def, ok := c.Get("webapp")
	require.True(t, ok)
	assert.Equal(t, []string{"checkout"}, def.Stages[1].Needs)
	assert.Equal(t, filepath.Join(dir, "webapp.yaml"), c.Source("webapp"))
}

func TestLoadReportsInvalidFilesButServesValidOnes(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "a.yaml", lint)
	write(t, dir, "b.yaml", "name: loop\nstages:\n  - {name: x, run: a, needs: [y]}\n  - {name: y, run: b, needs: [x]}\n")
	write(t, dir, "c.yaml", lint)

	c, err := Load(dir, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPipelines)
	assert.ErrorIs(t, err, core.ErrCyclicDependency)
	assert.ErrorIs(t, err, core.ErrDuplicateNameConflict)

	_, ok := c.Get("lint")
	assert.True(t, ok)
	_, ok = c.Get("loop")
	assert.False(t, ok)
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidPipelines)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "lint.yaml", lint)
	c, err := Load(dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	write(t, dir, "webapp.yaml", webapp)

	require.Eventually(t, func() bool {
		_, ok := c.Get("webapp")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "lint.yaml")))
	require.Eventually(t, func() bool {
		_, ok := c.Get("lint")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
