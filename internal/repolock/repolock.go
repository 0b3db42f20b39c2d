// Package repolock serializes mutating operations on a repository.
// Git exposes a single working tree, so exactly one checkout/mutation
// sequence may run at a time. The lock combines an in-process
// semaphore with an on-disk lock file under .git so separate processes
// exclude each other too. Waiting is bounded; exceeding it reports
// LockTimeoutError instead of blocking behind a crashed holder.
package repolock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fsgit/internal/errors"
)

const lockFileName = "fsgit.lock"

// DefaultTimeout bounds how long Acquire waits before failing.
const DefaultTimeout = 10 * time.Second

type state struct {
	sem chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[string]*state{}
)

// Lock is the mutual-exclusion handle for one repository root.
type Lock struct {
	root string
	path string
	st   *state
}

// ForRepo returns the lock handle for root. Handles for the same root
// share one underlying semaphore.
func ForRepo(root string) *Lock {
	registryMu.Lock()
	defer registryMu.Unlock()

	st, ok := registry[root]
	if !ok {
		st = &state{sem: make(chan struct{}, 1)}
		registry[root] = st
	}
	return &Lock{
		root: root,
		path: filepath.Join(root, ".git", lockFileName),
		st:   st,
	}
}

// Acquire takes the lock, waiting at most timeout. The returned
// release function must run on every exit path.
func (l *Lock) Acquire(timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)

	select {
	case l.st.sem <- struct{}{}:
	case <-time.After(timeout):
		return nil, errors.LockTimeout(l.root)
	}

	if err := l.acquireFile(deadline); err != nil {
		<-l.st.sem
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			os.Remove(l.path)
			<-l.st.sem
		})
	}
	return release, nil
}

// acquireFile creates the lock file exclusively, waiting for a holder
// in another process to remove it. The wait watches the .git directory
// for the removal instead of polling.
func (l *Lock) acquireFile(deadline time.Time) error {
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file %s: %w", l.path, err)
		}
		if err := l.waitForRemoval(deadline); err != nil {
			return err
		}
	}
}

func (l *Lock) waitForRemoval(deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return errors.LockTimeout(l.root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating lock watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watching lock directory: %w", err)
	}
	// the holder may have released between the create attempt and the
	// watch registration
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	for {
		select {
		case event := <-watcher.Events:
			if event.Name == l.path && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("lock watcher: %w", err)
		case <-timer.C:
			return errors.LockTimeout(l.root)
		}
	}
}
