// Package singleton enforces the single-writer-per-stream invariant
// (spec.md §3, "at most one input process per stream name holds
// SEM_INPUT") through a DistributedLock-shaped interface: a named,
// non-blocking-triable lock that a real deployment backs with an OS-level
// file lock so it is visible across the process boundary a fork() crosses.
package singleton

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Lock is the interface every backing implementation satisfies. It mirrors
// SEM_INPUT(name)/Pull(name): named, held by at most one owner, with a
// non-blocking TryLock for the supervisor's tryWait step.
type Lock interface {
	// Lock blocks until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) error
	// TryLock attempts to acquire key without blocking. Returns true on
	// success, matching the supervisor's "tryWait; if it fails, another
	// input owns the stream" boot step (spec.md §4.3).
	TryLock(key string) bool
	// Unlock releases key. A no-op if key is not held by this Lock value.
	Unlock(key string)
	// IsLocked reports whether key is currently held by anyone reachable
	// through this Lock value.
	IsLocked(key string) bool
}

type keyMutex struct {
	mu      sync.Mutex
	waiters int
	held    bool
}

// InMemoryLock is a single-process Lock, sufficient for unit tests and for
// a controller and its inputs that always share one process (as the test
// harness does when it mocks process spawning in-process per spec.md §9).
// It cannot enforce the invariant across a real fork()'d child; production
// boots use FlockLock instead.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

// NewInMemoryLock creates an empty InMemoryLock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{locks: make(map[string]*keyMutex)}
}

func (il *InMemoryLock) getOrCreate(key string) *keyMutex {
	km, ok := il.locks[key]
	if !ok {
		km = &keyMutex{}
		il.locks[key] = km
	}
	km.waiters++
	return km
}

func (il *InMemoryLock) release(key string, km *keyMutex) {
	il.mu.Lock()
	km.waiters--
	if km.waiters == 0 && !km.held {
		delete(il.locks, key)
	}
	il.mu.Unlock()
}

// Lock acquires the per-key mutex, blocking until available or ctx is done.
func (il *InMemoryLock) Lock(ctx context.Context, key string) error {
	il.mu.Lock()
	km := il.getOrCreate(key)
	il.mu.Unlock()

	acquired := make(chan struct{}, 1)
	go func() {
		km.mu.Lock()
		acquired <- struct{}{}
	}()

	select {
	case <-acquired:
		il.mu.Lock()
		km.held = true
		il.mu.Unlock()
		return nil
	case <-ctx.Done():
		il.release(key, km)
		go func() {
			<-acquired
			km.mu.Unlock()
		}()
		return fmt.Errorf("singleton: lock %q: %w", key, ctx.Err())
	}
}

// TryLock attempts to acquire the per-key mutex without blocking.
func (il *InMemoryLock) TryLock(key string) bool {
	il.mu.Lock()
	km := il.getOrCreate(key)
	il.mu.Unlock()

	if km.mu.TryLock() {
		il.mu.Lock()
		km.held = true
		il.mu.Unlock()
		return true
	}
	il.release(key, km)
	return false
}

// Unlock releases the per-key mutex if held.
func (il *InMemoryLock) Unlock(key string) {
	il.mu.Lock()
	km, ok := il.locks[key]
	if !ok || !km.held {
		il.mu.Unlock()
		return
	}
	km.held = false
	il.mu.Unlock()

	km.mu.Unlock()
	il.release(key, km)
}

// IsLocked reports whether key is currently held.
func (il *InMemoryLock) IsLocked(key string) bool {
	il.mu.Lock()
	defer il.mu.Unlock()
	km, ok := il.locks[key]
	return ok && km.held
}

// FlockLock is the production Lock, backed by an OS advisory file lock per
// key (github.com/gofrs/flock) so it is visible across the fork() boundary
// the input supervisor crosses: the parent can hold SEM_INPUT(name) and a
// concurrently booted sibling process observes it held via the same file,
// which InMemoryLock's in-process mutexes cannot do.
type FlockLock struct {
	dir string

	mu     sync.Mutex
	active map[string]*flock.Flock
}

// NewFlockLock creates a FlockLock whose lock files live under dir (created
// if absent). dir should be a stable, writable path shared by every process
// that must observe the same named locks — e.g. the stream's working
// directory or a configured runtime directory.
func NewFlockLock(dir string) (*FlockLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("singleton: create lock dir %q: %w", dir, err)
	}
	return &FlockLock{dir: dir, active: make(map[string]*flock.Flock)}, nil
}

func (fl *FlockLock) path(key string) string {
	return filepath.Join(fl.dir, "."+key+".lock")
}

func (fl *FlockLock) handle(key string) *flock.Flock {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	f, ok := fl.active[key]
	if !ok {
		f = flock.New(fl.path(key))
		fl.active[key] = f
	}
	return f
}

// Lock blocks until key is acquired or ctx is done.
func (fl *FlockLock) Lock(ctx context.Context, key string) error {
	f := fl.handle(key)
	ok, err := f.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("singleton: lock %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("singleton: lock %q: not acquired", key)
	}
	return nil
}

// TryLock attempts to acquire key's file lock without blocking.
func (fl *FlockLock) TryLock(key string) bool {
	f := fl.handle(key)
	ok, err := f.TryLock()
	return err == nil && ok
}

// Unlock releases key's file lock and removes the backing lock file, which
// is what the supervisor's "release and unlink the semaphore" exit step
// (spec.md §4.3) maps onto for a file-lock-backed implementation. A no-op if
// this FlockLock does not hold key.
func (fl *FlockLock) Unlock(key string) {
	fl.mu.Lock()
	f, ok := fl.active[key]
	delete(fl.active, key)
	fl.mu.Unlock()
	if !ok || !f.Locked() {
		return
	}
	_ = f.Unlock()
	_ = os.Remove(fl.path(key))
}

// IsLocked reports whether key's lock file is currently held by any
// process, including this one.
func (fl *FlockLock) IsLocked(key string) bool {
	f := flock.New(fl.path(key))
	locked, err := f.TryLock()
	if err != nil {
		return false
	}
	if locked {
		_ = f.Unlock()
		return false
	}
	return true
}
