package execution

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"scriptserver/internal/core"
)

const defaultKeepFinished = 100

// FinishListener observes an execution's terminal transition.
type FinishListener func(*Execution)

// Registry tracks active executions and a bounded number of finished ones.
// All mutation happens under one lock; listeners are called without it.
type Registry struct {
	logger *slog.Logger
	keep   int

	mu         sync.Mutex
	executions map[string]*Execution
	finished   []string
	listeners  map[string][]FinishListener
}

// NewRegistry keeps up to keep finished executions around for late viewers.
func NewRegistry(keep int, logger *slog.Logger) *Registry {
	if keep <= 0 {
		keep = defaultKeepFinished
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		keep:       keep,
		executions: make(map[string]*Execution),
		listeners:  make(map[string][]FinishListener),
	}
}

// Insert registers e, assigning an id when it has none.
func (r *Registry) Insert(e *Execution) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = core.NewID()
	}
	r.executions[e.ID] = e
	return e.ID
}

func (r *Registry) Get(id string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok {
		return nil, core.NotFoundf("execution %s not found", id)
	}
	return e, nil
}

// ListActive returns running executions, oldest first. A nil owner lists
// everybody's.
func (r *Registry) ListActive(owner *core.User) []*Execution {
	return r.list(owner, true)
}

// List returns running and retained finished executions, oldest first.
func (r *Registry) List(owner *core.User) []*Execution {
	return r.list(owner, false)
}

func (r *Registry) list(owner *core.User, activeOnly bool) []*Execution {
	r.mu.Lock()
	out := make([]*Execution, 0, len(r.executions))
	for _, e := range r.executions {
		if owner != nil && e.Owner.ID != owner.ID {
			continue
		}
		out = append(out, e)
	}
	r.mu.Unlock()

	if activeOnly {
		out = slices.DeleteFunc(out, func(e *Execution) bool { return e.Status().Terminal() })
	}
	slices.SortFunc(out, func(a, b *Execution) int {
		if c := a.startedAt.Compare(b.startedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// OnFinish calls listener exactly once when the execution reaches a terminal
// status. If it already has, listener runs right away.
func (r *Registry) OnFinish(id string, listener FinishListener) error {
	r.mu.Lock()
	e, ok := r.executions[id]
	if !ok {
		r.mu.Unlock()
		return core.NotFoundf("execution %s not found", id)
	}
	if !e.Status().Terminal() {
		r.listeners[id] = append(r.listeners[id], listener)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.invoke(e, listener)
	return nil
}

// Finish moves the execution to a terminal status and notifies listeners.
// Only the first call for an execution has any effect.
func (r *Registry) Finish(id string, status core.ExecutionStatus, exitCode *int, at time.Time) bool {
	r.mu.Lock()
	e, ok := r.executions[id]
	if !ok || !e.finish(status, exitCode, at) {
		r.mu.Unlock()
		return false
	}
	listeners := r.listeners[id]
	delete(r.listeners, id)
	r.finished = append(r.finished, id)
	var evicted []*Execution
	for len(r.finished) > r.keep {
		old := r.finished[0]
		r.finished = r.finished[1:]
		if gone, ok := r.executions[old]; ok {
			delete(r.executions, old)
			evicted = append(evicted, gone)
		}
	}
	r.mu.Unlock()

	for _, listener := range listeners {
		r.invoke(e, listener)
	}
	for _, gone := range evicted {
		gone.runCleanups()
	}
	return true
}

// Remove forgets the execution and returns it.
func (r *Registry) Remove(id string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executions[id]
	if !ok {
		return nil, core.NotFoundf("execution %s not found", id)
	}
	delete(r.executions, id)
	delete(r.listeners, id)
	r.finished = slices.DeleteFunc(r.finished, func(other string) bool { return other == id })
	return e, nil
}

func (r *Registry) invoke(e *Execution, listener FinishListener) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("finish listener panicked", "execution_id", e.ID, "script", e.ScriptName, "panic", rec)
		}
	}()
	listener(e)
}
