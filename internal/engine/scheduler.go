package engine

import (
	"sync"
)

// Scheduler walks a topologically ordered DAG and exposes the set of steps
// that are runnable right now given a global concurrency cap. Unlike a
// level-barrier dispatcher, a step becomes runnable the instant its own
// needs[] are satisfied — it never waits for unrelated steps at the same
// topological depth to finish.
//
// The Scheduler's own state (completed/pending/running) is guarded by a
// mutex, so its methods may be called from multiple goroutines; the Runner
// drives it from a single dispatch loop.
type Scheduler struct {
	mu sync.Mutex

	dag *DAG

	completed map[string]bool
	running   map[string]bool
	// pending preserves Sorted order so GetRunnableSteps returns steps in a
	// stable, deterministic prefix rather than map iteration order.
	pending []string
}

// NewScheduler builds a Scheduler from a DAG, seeding completed/running sets
// from hydration (already-completed step ids, and any step ids the store
// shows mid-flight at the moment of resume — treated as not-yet-started so
// they get re-dispatched, per the resumability invariant for in-flight work
// that never reached a terminal status).
func NewScheduler(dag *DAG, completedIDs []string) *Scheduler {
	s := &Scheduler{
		dag:       dag,
		completed: make(map[string]bool, len(completedIDs)),
		running:   make(map[string]bool),
	}
	for _, id := range completedIDs {
		s.completed[id] = true
	}

	for _, id := range dag.Sorted {
		if !s.completed[id] {
			s.pending = append(s.pending, id)
		}
	}

	return s
}

// GetRunnableSteps returns a prefix of pending steps whose every needs[] is
// in completed, bounded so the returned count + currentRunning <= globalCap.
// globalCap <= 0 means unbounded.
func (s *Scheduler) GetRunnableSteps(currentRunning, globalCap int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget := -1
	if globalCap > 0 {
		budget = globalCap - currentRunning
		if budget <= 0 {
			return nil
		}
	}

	runnable := make([]string, 0)
	for _, id := range s.pending {
		if s.running[id] {
			continue
		}
		if !s.needsSatisfied(id) {
			continue
		}
		runnable = append(runnable, id)
		if budget > 0 && len(runnable) >= budget {
			break
		}
	}
	return runnable
}

func (s *Scheduler) needsSatisfied(id string) bool {
	for _, dep := range s.dag.Edges[id] {
		if !s.completed[dep] {
			return false
		}
	}
	return true
}

// StartStep moves a step from pending into running.
func (s *Scheduler) StartStep(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = true
}

// MarkStepComplete moves a step from running/pending into completed.
func (s *Scheduler) MarkStepComplete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.removePending(id)
	s.completed[id] = true
}

// MarkStepFailed removes a step from running and pending. Failure is
// terminal within the Scheduler: the step does not return to pending, and a
// step that needs it never becomes runnable. The Scheduler keeps no
// separate "failed" set; Requeue puts a failed step back into pending for a
// caller that re-drives it, and the caller is responsible for not
// re-queuing a step whose recovery wrappers are exhausted.
func (s *Scheduler) MarkStepFailed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.removePending(id)
}

func (s *Scheduler) removePending(id string) {
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Requeue puts a failed step back into the pending set so a recovery
// wrapper's re-drive becomes visible to future GetRunnableSteps calls. This
// is distinct from "running -> pending" (forbidden for a live step per the
// data-model invariant); Requeue only operates on ids MarkStepFailed has
// already removed from running.
func (s *Scheduler) Requeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed[id] || s.running[id] {
		return
	}
	for _, p := range s.pending {
		if p == id {
			return
		}
	}
	s.pending = append(s.pending, id)
}

// IsComplete reports whether pending ∪ running = ∅.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && len(s.running) == 0
}

// CompletedIDs returns a snapshot of completed step ids.
func (s *Scheduler) CompletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.completed))
	for id := range s.completed {
		ids = append(ids, id)
	}
	sortStrings(ids)
	return ids
}

// Status returns a point-in-time snapshot of the three partitions, useful
// for diagnostics and the Runner's Status() surface.
type SchedulerStatus struct {
	Completed []string
	Pending   []string
	Running   []string
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		Pending: append([]string(nil), s.pending...),
	}
	for id := range s.completed {
		st.Completed = append(st.Completed, id)
	}
	for id := range s.running {
		st.Running = append(st.Running, id)
	}
	sortStrings(st.Completed)
	sortStrings(st.Running)
	return st
}
