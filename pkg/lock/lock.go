// Package lock implements in-process exclusive locks over named resources.
//
// Locks expire lazily: a lock whose timeout has elapsed is treated as free the
// next time anyone looks at it, so no background sweeper is needed. Callers
// that need more than one resource must go through AcquireAll, which takes
// locks in sorted order so two callers can never wait on each other in a cycle.
package lock

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultTimeout is used when Acquire is called with a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// Lock is a held resource lock.
type Lock struct {
	Resource   string
	Holder     string
	AcquiredAt time.Time
	Timeout    time.Duration
}

func (l *Lock) expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= l.Timeout
}

// Manager owns the lock table.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*Lock

	// pollInterval is how often AcquireWithin retries.
	pollInterval time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager returns an empty lock table.
func NewManager() *Manager {
	return &Manager{
		locks:        make(map[string]*Lock),
		pollInterval: 10 * time.Millisecond,
		nowFunc:      time.Now,
	}
}

// lookup returns the live lock for resource, dropping it first if it expired.
// Caller must hold m.mu.
func (m *Manager) lookup(resource string) *Lock {
	l, ok := m.locks[resource]
	if !ok {
		return nil
	}
	if l.expired(m.nowFunc()) {
		delete(m.locks, resource)
		return nil
	}
	return l
}

// Acquire takes the lock on resource for holder. It returns false if another
// holder has a live lock. Re-acquiring a lock you already hold refreshes it.
func (m *Manager) Acquire(resource, holder string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.lookup(resource); l != nil && l.Holder != holder {
		return false
	}
	m.locks[resource] = &Lock{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: m.nowFunc(),
		Timeout:    timeout,
	}
	return true
}

// AcquireWithin retries Acquire until it succeeds or ctx is done.
func (m *Manager) AcquireWithin(ctx context.Context, resource, holder string, timeout time.Duration) bool {
	if m.Acquire(resource, holder, timeout) {
		return true
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if m.Acquire(resource, holder, timeout) {
				return true
			}
		}
	}
}

// Release frees resource if holder currently holds it. It returns false and
// changes nothing otherwise.
func (m *Manager) Release(resource, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lookup(resource)
	if l == nil || l.Holder != holder {
		return false
	}
	delete(m.locks, resource)
	return true
}

// ForceRelease drops the lock on resource whoever holds it.
func (m *Manager) ForceRelease(resource string) {
	m.mu.Lock()
	delete(m.locks, resource)
	m.mu.Unlock()
}

// IsLocked reports whether resource has a live lock.
func (m *Manager) IsLocked(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(resource) != nil
}

// Holder returns the current holder of resource, if any.
func (m *Manager) Holder(resource string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.lookup(resource); l != nil {
		return l.Holder, true
	}
	return "", false
}

// Held returns a snapshot of all live locks sorted by resource.
func (m *Manager) Held() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.locks))
	for r := range m.locks {
		if l := m.lookup(r); l != nil {
			out = append(out, *l)
		}
	}
	slices.SortFunc(out, func(a, b Lock) int { return cmp.Compare(a.Resource, b.Resource) })
	return out
}

// --- Multi-resource locking ---

// Canonical returns resources sorted and de-duplicated. Every multi-resource
// acquisition uses this order.
func Canonical(resources []string) []string {
	out := slices.Clone(resources)
	slices.Sort(out)
	return slices.Compact(out)
}

// AcquireAll locks every resource for holder in canonical order, waiting up to
// timeout for each (less if ctx ends sooner). timeout is also each lock's
// lifetime. On failure it releases whatever it took, in reverse
// order, and returns ok=false along with the resource it could not get. On
// success release frees all of them in reverse order.
func (m *Manager) AcquireAll(ctx context.Context, resources []string, holder string, timeout time.Duration) (release func(), blocked string, ok bool) {
	ordered := Canonical(resources)
	taken := make([]string, 0, len(ordered))

	unwind := func() {
		for i := len(taken) - 1; i >= 0; i-- {
			m.Release(taken[i], holder)
		}
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	for _, r := range ordered {
		if !m.acquireBounded(ctx, r, holder, timeout) {
			unwind()
			return func() {}, r, false
		}
		taken = append(taken, r)
	}
	return unwind, "", true
}

func (m *Manager) acquireBounded(ctx context.Context, resource, holder string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.AcquireWithin(ctx, resource, holder, timeout)
}
