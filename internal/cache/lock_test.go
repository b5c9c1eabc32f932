package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireLockExclusiveBlocksSecondExclusive(t *testing.T) {
	root := t.TempDir()

	first, err := acquireLock(root, lockExclusive)
	require.NoError(t, err)

	_, err = acquireLock(root, lockExclusive)
	require.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, first.release())

	second, err := acquireLock(root, lockExclusive)
	require.NoError(t, err)
	require.NoError(t, second.release())
}

func TestAcquireLockLeavesLockFileOnDisk(t *testing.T) {
	root := t.TempDir()
	lock, err := acquireLock(root, lockExclusive)
	require.NoError(t, err)
	require.NoError(t, lock.release())

	require.FileExists(t, lockPath(root))
}
