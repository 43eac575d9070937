// Package resource implements the per-process reader/writer lock
// table every other component acquires before touching shared state:
// a fair, FIFO-ordered lock per (namespace, name), reentrant within a
// single task, with scoped acquisition handles whose release is safe
// to call more than once.
package resource

import (
	"fmt"
	"sync"

	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/types"
)

type key struct {
	ns   types.Namespace
	name string
}

type holderInfo struct {
	mode  types.LockMode
	count int
}

type waiter struct {
	taskID string
	mode   types.LockMode
	ready  chan struct{}
}

type lockState struct {
	mu         sync.Mutex
	ns         types.Namespace
	name       string
	holders    map[string]*holderInfo
	activeMode types.LockMode // "" when free
	queue      []*waiter
}

// Manager owns every (namespace, name) lock in the process.
type Manager struct {
	mu    sync.Mutex
	locks map[key]*lockState
}

// NewManager creates an empty resource manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[key]*lockState)}
}

func (m *Manager) stateFor(ns types.Namespace, name string) *lockState {
	k := key{ns, name}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[k]
	if !ok {
		st = &lockState{ns: ns, name: name, holders: make(map[string]*holderInfo)}
		m.locks[k] = st
	}
	return st
}

// Handle is a scoped acquisition; Release is idempotent and safe to
// call from a deferred cleanup even if the caller already released it
// explicitly on a successful path.
type Handle struct {
	st       *lockState
	taskID   string
	ns       types.Namespace
	name     string
	released sync.Once
}

func modeCompatible(active, requested types.LockMode) bool {
	if active == "" {
		return true
	}
	return active == types.LockShared && requested == types.LockShared
}

// AcquireResource blocks until taskID holds name within namespace ns
// at the requested mode, then returns a handle whose Release drops it.
// A task already holding the resource reenters without queuing; its
// held mode is promoted to EXCLUSIVE if a later reentrant call asks
// for EXCLUSIVE while only SHARED was held.
func (m *Manager) AcquireResource(taskID string, ns types.Namespace, name string, mode types.LockMode) (*Handle, error) {
	if taskID == "" {
		return nil, verrors.Newf(verrors.KindInvalidParameter, "resource.AcquireResource", "empty task id")
	}
	if mode != types.LockShared && mode != types.LockExclusive {
		return nil, verrors.Newf(verrors.KindInvalidParameter, "resource.AcquireResource", "unknown lock mode %q", mode)
	}

	st := m.stateFor(ns, name)
	timer := metrics.NewTimer()

	st.mu.Lock()
	if h, ok := st.holders[taskID]; ok {
		h.count++
		if mode == types.LockExclusive {
			h.mode = types.LockExclusive
		}
		st.mu.Unlock()
		timer.ObserveDurationVec(metrics.ResourceLockWaitDuration, string(ns), string(mode))
		return &Handle{st: st, taskID: taskID, ns: ns, name: name}, nil
	}

	if len(st.queue) == 0 && modeCompatible(st.activeMode, mode) {
		st.holders[taskID] = &holderInfo{mode: mode, count: 1}
		st.activeMode = mode
		metrics.ResourceLocksHeld.WithLabelValues(string(ns), string(mode)).Inc()
		st.mu.Unlock()
		timer.ObserveDurationVec(metrics.ResourceLockWaitDuration, string(ns), string(mode))
		return &Handle{st: st, taskID: taskID, ns: ns, name: name}, nil
	}

	w := &waiter{taskID: taskID, mode: mode, ready: make(chan struct{})}
	st.queue = append(st.queue, w)
	st.mu.Unlock()

	<-w.ready

	timer.ObserveDurationVec(metrics.ResourceLockWaitDuration, string(ns), string(mode))
	return &Handle{st: st, taskID: taskID, ns: ns, name: name}, nil
}

// promote grants the lock to the next eligible waiter(s): the front
// EXCLUSIVE waiter alone, or the run of SHARED waiters at the front of
// the queue. Must be called with st.mu held and the lock free.
func promote(st *lockState) {
	for len(st.queue) > 0 {
		if st.activeMode != "" && st.activeMode != types.LockShared {
			return
		}
		front := st.queue[0]
		if st.activeMode == types.LockShared && front.mode == types.LockExclusive {
			return
		}
		st.queue = st.queue[1:]
		st.holders[front.taskID] = &holderInfo{mode: front.mode, count: 1}
		st.activeMode = front.mode
		metrics.ResourceLocksHeld.WithLabelValues(string(st.ns), string(front.mode)).Inc()
		close(front.ready)
		if front.mode == types.LockExclusive {
			return
		}
	}
}

// Release drops one reentrant layer of the acquisition this handle
// represents; the resource is freed for other waiters once every
// layer has been released. Calling Release more than once is a no-op
// after the first call.
func (h *Handle) Release() error {
	var retErr error
	h.released.Do(func() {
		h.st.mu.Lock()
		defer h.st.mu.Unlock()

		info, ok := h.st.holders[h.taskID]
		if !ok {
			retErr = verrors.Newf(verrors.KindConcurrencyConflict, "resource.Release", "task %s does not hold %s/%s", h.taskID, h.ns, h.name)
			return
		}
		info.count--
		if info.count > 0 {
			return
		}
		delete(h.st.holders, h.taskID)
		metrics.ResourceLocksHeld.WithLabelValues(string(h.ns), string(info.mode)).Dec()
		if len(h.st.holders) == 0 {
			h.st.activeMode = ""
			promote(h.st)
		}
	})
	return retErr
}

// String implements fmt.Stringer for diagnostics.
func (h *Handle) String() string {
	return fmt.Sprintf("%s/%s held by %s", h.ns, h.name, h.taskID)
}
