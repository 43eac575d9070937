// Package task implements the unit-of-work abstraction every composite
// operation in this module runs under: a recovery stack of
// compensating actions that unwinds in LIFO order on failure, plus a
// scoped abort-callback chain for cooperative cancellation.
package task

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/vstorage/internal/obslog"
	"github.com/cuemby/vstorage/internal/verrors"
	"github.com/cuemby/vstorage/pkg/journal"
	"github.com/cuemby/vstorage/pkg/metrics"
	"github.com/cuemby/vstorage/pkg/types"
)

// RecoveryFunc undoes one step of a composite operation. It must be
// idempotent: the recovery stack runs to completion even if an
// earlier recovery failed, so a later call may see state a prior,
// failed recovery already partially cleaned up.
type RecoveryFunc func() error

type recoveryEntry struct {
	name string
	fn   RecoveryFunc
}

// Task is an in-memory unit of work with an append-only recovery
// stack and a scoped chain of abort callbacks.
type Task struct {
	id      types.UUID
	journal *journal.Journal

	mu       sync.Mutex
	seq      uint64
	aborted  atomic.Bool
	recovery []recoveryEntry
	abortCbs []func()
}

// New creates a Task bound to id. j may be nil, in which case
// recovery steps are tracked in memory only (no crash durability).
func New(id types.UUID, j *journal.Journal) *Task {
	return &Task{id: id, journal: j}
}

// ID returns the task's identifier.
func (t *Task) ID() types.UUID { return t.id }

// Aborted reports whether Abort has been called.
func (t *Task) Aborted() bool { return t.aborted.Load() }

// PushRecovery registers a compensating action, to run in LIFO order
// if the task aborts before the next ClearRecoveries. args is
// serialized into the recovery journal purely for crash-time
// diagnostics; fn itself is never persisted and never replayed across
// a process restart.
func (t *Task) PushRecovery(name string, args any, fn RecoveryFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.seq
	t.seq++
	t.recovery = append(t.recovery, recoveryEntry{name: name, fn: fn})

	if t.journal != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			raw = json.RawMessage("null")
		}
		if err := t.journal.Append(string(t.id), seq, name, raw); err != nil {
			obslog.WithTask(string(t.id)).Warn().Err(err).Str("step", name).Msg("failed to persist recovery step")
		}
	}
}

// ClearRecoveries drops the recovery stack. Called at the commit
// point of a composite operation: once committed work exists, an
// unrelated later failure must not undo it.
func (t *Task) ClearRecoveries() {
	t.mu.Lock()
	t.recovery = nil
	t.mu.Unlock()

	if t.journal != nil {
		if err := t.journal.Clear(string(t.id)); err != nil {
			obslog.WithTask(string(t.id)).Warn().Err(err).Msg("failed to clear recovery journal")
		}
	}
}

// AbortCallback registers cb to run when Abort is called while this
// scope is active, and returns a function that unregisters it. Callers
// use this to expose cancellation of a specific suspension point
// (e.g. an in-flight qemu-img invocation) only while that point is
// live:
//
//	unregister := t.AbortCallback(cmd.cancel)
//	defer unregister()
func (t *Task) AbortCallback(cb func()) (unregister func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortCbs = append(t.abortCbs, cb)
	idx := len(t.abortCbs) - 1
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if idx < len(t.abortCbs) {
			t.abortCbs[idx] = nil
		}
	}
}

// Abort sets the abort flag and invokes the innermost live abort
// callback, if any. Cancellation is cooperative: the recovery stack
// only runs once the current suspension point returns control to Run.
func (t *Task) Abort() {
	t.aborted.Store(true)

	t.mu.Lock()
	var cb func()
	for i := len(t.abortCbs) - 1; i >= 0; i-- {
		if t.abortCbs[i] != nil {
			cb = t.abortCbs[i]
			break
		}
	}
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Run executes fn under this task. If fn returns an error, or the
// task was aborted while fn ran, the recovery stack unwinds in LIFO
// order with log-and-continue semantics: every recovery runs
// regardless of earlier failures, and the first recovery error is
// attached to the returned error for visibility while the rest are
// logged.
func (t *Task) Run(fn func(t *Task) error) error {
	metrics.TasksInFlight.Inc()
	defer metrics.TasksInFlight.Dec()

	err := fn(t)
	if err == nil && !t.Aborted() {
		return nil
	}

	t.mu.Lock()
	stack := t.recovery
	t.recovery = nil
	t.mu.Unlock()

	var report verrors.CleanupReport
	logger := obslog.WithTask(string(t.id))
	for i := len(stack) - 1; i >= 0; i-- {
		step := stack[i]
		if rerr := step.fn(); rerr != nil {
			report.Add(rerr)
			metrics.TaskRecoveriesTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(rerr).Str("step", step.name).Msg("recovery step failed")
		} else {
			metrics.TaskRecoveriesTotal.WithLabelValues("ok").Inc()
			logger.Debug().Str("step", step.name).Msg("recovery step completed")
		}
	}

	if t.journal != nil {
		if cerr := t.journal.Clear(string(t.id)); cerr != nil {
			logger.Warn().Err(cerr).Msg("failed to clear recovery journal after unwind")
		}
	}

	if err != nil {
		if first := report.First(); first != nil {
			return fmt.Errorf("%w (first recovery error: %v)", err, first)
		}
		return err
	}
	if first := report.First(); first != nil {
		return verrors.New(verrors.KindBackendIO, "task.Run", first)
	}
	return verrors.Newf(verrors.KindConcurrencyConflict, "task.Run", "task %s aborted", t.id)
}
