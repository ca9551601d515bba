package lock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SecondHolderFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer func() { _ = first.Release() }()

	// Non-blocking: a concurrent session must fail immediately, not queue.
	second, err := Acquire(path)
	require.ErrorIs(t, err, ErrHeld)
	assert.Nil(t, second)
}

func TestAcquire_ReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestAcquire_CreatesLockDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "hubbak", "backup.lock")

	lk, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, lk.Release())
}
