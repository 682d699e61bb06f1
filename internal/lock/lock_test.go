package lock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	t.Run("should be stable for equivalent paths", func(t *testing.T) {
		dir := t.TempDir()
		assert.Equal(t, Key(dir), Key(dir+"/"))
		assert.Equal(t, Key(dir), Key(filepath.Join(dir, "sub", "..")))
	})

	t.Run("should resolve relative paths", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, Key(wd), Key("."))
	})

	t.Run("should differ between sandboxes", func(t *testing.T) {
		assert.NotEqual(t, Key("/work/a"), Key("/work/b"))
	})

	t.Run("should live under the sandbox prefix", func(t *testing.T) {
		k := Key("/work")
		assert.True(t, strings.HasPrefix(k, "/repairgym/sandbox/"))
		assert.Len(t, strings.TrimPrefix(k, "/repairgym/sandbox/"), 64)
	})
}

func TestNoop(t *testing.T) {
	var l Noop
	assert.NoError(t, l.Acquire(context.Background()))
	assert.NoError(t, l.Release(context.Background()))
}
