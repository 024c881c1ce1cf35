package supervisor

import (
	"context"
	"time"

	"insightbridge/internal/logging"
)

// SessionLister is the slice of the session store the reaper needs.
type SessionLister interface {
	ActiveSessionIDs(ctx context.Context) ([]string, error)
}

// Reaper is the per-worker background sweeper that kills MCP sub-processes
// whose owning session no longer exists in Redis. Processes are only
// signalled after their command line is confirmed to match the expected MCP
// server invocation.
type Reaper struct {
	store    SessionLister
	registry *Registry
	interval time.Duration

	terminate TerminateFunc

	stopCh chan struct{}
	done   chan struct{}
}

func NewReaper(store SessionLister, registry *Registry, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		registry: registry,
		interval: interval,
		terminate: func(pid int32, serverScript string) error {
			return TerminateServerProcess(pid, serverScript, terminationGrace)
		},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop. One reaper runs per worker process.
func (r *Reaper) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		logging.Info("orphan reaper started, sweep interval %s", r.interval)
		for {
			select {
			case <-r.stopCh:
				logging.Info("orphan reaper stopped")
				return
			case <-ticker.C:
				r.Sweep(context.Background())
			}
		}
	}()
}

// Sweep performs one cleanup pass: every registered process whose session id
// is absent from Redis is terminated and dropped from the registry.
func (r *Reaper) Sweep(ctx context.Context) {
	ids, err := r.store.ActiveSessionIDs(ctx)
	if err != nil {
		logging.Error("orphan sweep skipped, session scan failed: %v", err)
		return
	}

	active := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}

	reaped := 0
	for sessionID, info := range r.registry.Snapshot() {
		if _, alive := active[sessionID]; alive {
			continue
		}
		if info.PID != 0 {
			logging.Info("reaping orphaned process pid %d for expired session %s", info.PID, sessionID)
			if err := r.terminate(info.PID, info.ServerScript); err != nil {
				logging.Error("orphan reap for session %s: %v", sessionID, err)
			}
		}
		r.registry.Unregister(sessionID)
		reaped++
	}

	if reaped > 0 {
		logging.Info("orphan reaper cleaned up %d processes", reaped)
	}
}

// Shutdown stops the sweep loop and kills every remaining tracked
// sub-process. Called once on worker exit.
func (r *Reaper) Shutdown() {
	close(r.stopCh)
	select {
	case <-r.done:
	case <-time.After(stopJoinTimeout):
		logging.Error("orphan reaper did not stop within %s", stopJoinTimeout)
	}

	for sessionID, info := range r.registry.Snapshot() {
		if info.PID != 0 {
			if err := r.terminate(info.PID, info.ServerScript); err != nil {
				logging.Error("shutdown kill for session %s: %v", sessionID, err)
			}
		}
		r.registry.Unregister(sessionID)
	}
}
