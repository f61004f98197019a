package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")

	l, err := Acquire(path)
	require.NoError(t, err)

	pid, err := ReadPID(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	_, running := IsRunning(path)
	require.True(t, running)

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAcquire_BlockedByLiveHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrLocked)
}

func TestAcquire_TakesOverStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")
	// A pid that cannot be alive.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestAcquire_TakesOverMalformedLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()
}
