package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "storycached.pid")
	p := New(path)

	require.NoError(t, p.Acquire())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data[:len(data)-1]))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireFailsWhenAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storycached.pid")

	// Our own pid is certainly alive
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := New(path).Acquire()
	assert.Error(t, err)
}

func TestAcquireReplacesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storycached.pid")

	// An absurdly large pid that cannot be a live process
	require.NoError(t, os.WriteFile(path, []byte("4194304999"), 0o644))

	assert.NoError(t, New(path).Acquire())
}

func TestReleaseMissingFileIsNoop(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "never-created.pid"))
	assert.NoError(t, p.Release())
}
