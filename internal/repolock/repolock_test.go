package repolock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsgiterr "fsgit/internal/errors"
)

func tempRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	return dir
}

func TestAcquireRelease(t *testing.T) {
	root := tempRepo(t)
	lock := ForRepo(root)

	release, err := lock.Acquire(time.Second)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, ".git", lockFileName))
	assert.NoError(t, err, "lock file should exist while held")

	release()
	_, err = os.Stat(filepath.Join(root, ".git", lockFileName))
	assert.True(t, os.IsNotExist(err), "lock file should be gone after release")

	// reacquire after release
	release2, err := lock.Acquire(time.Second)
	require.NoError(t, err)
	release2()
}

func TestTimeoutWhileHeld(t *testing.T) {
	root := tempRepo(t)
	lock := ForRepo(root)

	release, err := lock.Acquire(time.Second)
	require.NoError(t, err)
	defer release()

	_, err = ForRepo(root).Acquire(100 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindLockTimeout))
}

func TestContendersSerialize(t *testing.T) {
	root := tempRepo(t)

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := ForRepo(root).Acquire(5 * time.Second)
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "only one holder at a time")
}

func TestStaleForeignLockFileTimesOut(t *testing.T) {
	root := tempRepo(t)
	// simulate a crashed holder from another process
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", lockFileName), []byte("999999\n"), 0644))

	_, err := ForRepo(root).Acquire(150 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindLockTimeout))
}
