package orchestrator

import "sync"

// RunningTaskRegistry is the process-wide set of task ids currently
// executing. Membership is the sole guard against double execution of one
// task id; a second concurrent start for a registered id is rejected, not
// queued. Each entry carries a cooperative cancellation flag.
type RunningTaskRegistry struct {
	mu      sync.Mutex
	running map[string]*runningEntry
}

type runningEntry struct {
	cancelRequested bool
}

func NewRunningTaskRegistry() *RunningTaskRegistry {
	return &RunningTaskRegistry{running: make(map[string]*runningEntry)}
}

// Acquire registers taskID and returns true, or returns false when the id
// is already registered.
func (r *RunningTaskRegistry) Acquire(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.running[taskID]; exists {
		return false
	}
	r.running[taskID] = &runningEntry{}
	return true
}

// Release removes taskID and clears its cancellation flag. Safe to call for
// an id that is not registered.
func (r *RunningTaskRegistry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskID)
}

// IsRunning reports whether taskID currently holds membership.
func (r *RunningTaskRegistry) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.running[taskID]
	return exists
}

// RequestCancel sets the cooperative cancellation flag for taskID. Returns
// false when the task is not running.
func (r *RunningTaskRegistry) RequestCancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.running[taskID]
	if !exists {
		return false
	}
	entry.cancelRequested = true
	return true
}

// CancelRequested reports the cooperative cancellation flag for taskID.
func (r *RunningTaskRegistry) CancelRequested(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.running[taskID]
	return exists && entry.cancelRequested
}

// Active returns a snapshot of the registered task ids.
func (r *RunningTaskRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}
