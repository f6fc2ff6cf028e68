package workspace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultLockWait bounds how long a dynamically discovered lock acquisition
// may block before it is surfaced as a bug-class resource error. Sorted
// up-front acquisition cannot deadlock; mid-execution Extend calls can, so
// they are detected defensively instead.
const DefaultLockWait = 2 * time.Minute

// LockManager provides per-path mutual exclusion for concurrent step
// execution. Each path gets its own semaphore so steps writing different
// files proceed in parallel while writes to the same file serialize.
// Acquisition is context-aware: a blocked step yields until the holder
// releases or the context is cancelled.
type LockManager struct {
	mu      sync.Mutex
	sems    map[string]chan struct{}
	owners  map[string]string // path -> holding step ID, for diagnostics
	maxWait time.Duration
}

// NewLockManager creates a LockManager with the default extend-wait bound.
func NewLockManager() *LockManager {
	return &LockManager{
		sems:    make(map[string]chan struct{}),
		owners:  make(map[string]string),
		maxWait: DefaultLockWait,
	}
}

// SetMaxWait overrides the defensive bound on dynamic lock waits.
func (m *LockManager) SetMaxWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxWait = d
}

// sem returns the semaphore for a path, creating it on first access.
func (m *LockManager) sem(path string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sems[path]
	if !exists {
		s = make(chan struct{}, 1)
		m.sems[path] = s
	}
	return s
}

// Owner returns the step currently holding the lock on path, if any.
func (m *LockManager) Owner(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, held := m.owners[path]
	return owner, held
}

func (m *LockManager) setOwner(path, stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[path] = stepID
}

func (m *LockManager) clearOwner(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, path)
}

// acquireOne blocks until the path's lock is free or the context ends.
func (m *LockManager) acquireOne(ctx context.Context, stepID, path string) error {
	select {
	case m.sem(path) <- struct{}{}:
		m.setOwner(path, stepID)
		return nil
	case <-ctx.Done():
		owner, _ := m.Owner(path)
		return fmt.Errorf("step %s: acquiring lock on %s (held by %s): %w", stepID, path, owner, ctx.Err())
	}
}

func (m *LockManager) releaseOne(path string) {
	m.clearOwner(path)
	select {
	case <-m.sem(path):
	default:
		// Releasing an unheld lock is a programming error; tolerate it rather
		// than blocking, the guard's idempotence already prevents doubles.
	}
}

// Acquire takes exclusive locks on all paths, sorted lexicographically so
// steps locking overlapping sets in different orders cannot deadlock.
// On cancellation, any partially acquired locks are released.
func (m *LockManager) Acquire(ctx context.Context, stepID string, paths []string) (*Guard, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for i, path := range sorted {
		if err := m.acquireOne(ctx, stepID, path); err != nil {
			for j := i - 1; j >= 0; j-- {
				m.releaseOne(sorted[j])
			}
			return nil, err
		}
	}

	return &Guard{manager: m, stepID: stepID, paths: sorted}, nil
}

// Guard holds a step's acquired locks and guarantees release on every exit
// path. Release is idempotent; callers defer it unconditionally.
type Guard struct {
	manager  *LockManager
	stepID   string
	mu       sync.Mutex
	paths    []string
	released bool
}

// Holds reports whether the guard already owns the path.
func (g *Guard) Holds(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.paths {
		if p == path {
			return true
		}
	}
	return false
}

// Paths returns the paths currently held, sorted.
func (g *Guard) Paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.paths...)
}

// Extend locks one additional path discovered mid-execution. Unlike Acquire
// this happens outside the sorted order, so the wait is bounded: exceeding
// the manager's max wait returns a resource error with the holder named
// rather than blocking forever.
func (g *Guard) Extend(ctx context.Context, path string) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return fmt.Errorf("step %s: extend after release", g.stepID)
	}
	for _, p := range g.paths {
		if p == path {
			g.mu.Unlock()
			return nil
		}
	}
	g.mu.Unlock()

	g.manager.mu.Lock()
	maxWait := g.manager.maxWait
	g.manager.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	if err := g.manager.acquireOne(waitCtx, g.stepID, path); err != nil {
		if waitCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			owner, _ := g.manager.Owner(path)
			return fmt.Errorf("step %s: lock wait on %s exceeded %s (held by %s): possible lock-order violation", g.stepID, path, maxWait, owner)
		}
		return err
	}

	g.mu.Lock()
	g.paths = append(g.paths, path)
	sort.Strings(g.paths)
	g.mu.Unlock()
	return nil
}

// Reacquire takes the guard's paths again after a Release, in sorted order.
// It exists for callers that hand their locks to nested work and resume
// afterwards. A no-op on a guard that is still held.
func (g *Guard) Reacquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.released {
		g.mu.Unlock()
		return nil
	}
	paths := append([]string(nil), g.paths...)
	g.mu.Unlock()

	for i, path := range paths {
		if err := g.manager.acquireOne(ctx, g.stepID, path); err != nil {
			for j := i - 1; j >= 0; j-- {
				g.manager.releaseOne(paths[j])
			}
			return err
		}
	}

	g.mu.Lock()
	g.released = false
	g.mu.Unlock()
	return nil
}

// Release unlocks every held path in reverse sorted order. Safe to call
// multiple times; only the first call has effect.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	paths := g.paths
	g.mu.Unlock()

	for i := len(paths) - 1; i >= 0; i-- {
		g.manager.releaseOne(paths[i])
	}
}
