package supervisor

import (
	"sync"

	"insightbridge/internal/logging"
)

// Registry tracks which session owns which MCP sub-process on this worker.
// The reaper consults it to find processes whose session has expired.
type Registry struct {
	mu    sync.Mutex
	procs map[string]ProcessInfo
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]ProcessInfo)}
}

// Register records the sub-process a session's supervisor owns.
func (r *Registry) Register(sessionID string, info ProcessInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[sessionID] = info
	logging.Debug("registered process pid %d for session %s", info.PID, sessionID)
}

// Unregister drops tracking for a session, returning what was tracked.
func (r *Registry) Unregister(sessionID string) (ProcessInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.procs[sessionID]
	if ok {
		delete(r.procs, sessionID)
		logging.Debug("unregistered process pid %d for session %s", info.PID, sessionID)
	}
	return info, ok
}

// Snapshot returns a copy of the current session → process mapping.
func (r *Registry) Snapshot() map[string]ProcessInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]ProcessInfo, len(r.procs))
	for sid, info := range r.procs {
		snapshot[sid] = info
	}
	return snapshot
}

// Len returns the number of tracked processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
