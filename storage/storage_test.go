package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DataDirEnv, dir)
	assert.Equal(t, dir, resolveDataDir())
	assert.Equal(t, filepath.Join(dir, "plugins"), PluginsDir(dir))
	assert.Equal(t, filepath.Join(dir, "plugins.db"), DatabasePath(dir))
}
