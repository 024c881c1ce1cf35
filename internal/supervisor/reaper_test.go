package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLister struct {
	ids []string
	err error
}

func (l *staticLister) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	return l.ids, l.err
}

type killRecorder struct {
	calls []int32
}

func (k *killRecorder) terminate(pid int32, serverScript string) error {
	k.calls = append(k.calls, pid)
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("s1", ProcessInfo{PID: 100, ServerScript: "mcp_server.py"})
	r.Register("s2", ProcessInfo{PID: 200, ServerScript: "mcp_server.py"})
	assert.Equal(t, 2, r.Len())

	info, ok := r.Unregister("s1")
	require.True(t, ok)
	assert.Equal(t, int32(100), info.PID)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Unregister("s1")
	assert.False(t, ok)

	snapshot := r.Snapshot()
	assert.Contains(t, snapshot, "s2")
	// A snapshot is a copy; mutating it must not touch the registry.
	delete(snapshot, "s2")
	assert.Equal(t, 1, r.Len())
}

func TestSweepKillsOnlyOrphans(t *testing.T) {
	registry := NewRegistry()
	registry.Register("alive", ProcessInfo{PID: 100, ServerScript: "mcp_server.py"})
	registry.Register("expired", ProcessInfo{PID: 200, ServerScript: "mcp_server.py"})

	recorder := &killRecorder{}
	reaper := NewReaper(&staticLister{ids: []string{"alive"}}, registry, time.Minute)
	reaper.terminate = recorder.terminate

	reaper.Sweep(context.Background())

	assert.Equal(t, []int32{200}, recorder.calls)
	assert.Equal(t, 1, registry.Len())
	_, stillTracked := registry.Snapshot()["alive"]
	assert.True(t, stillTracked)
}

func TestSweepDropsStaleEntriesWithoutPID(t *testing.T) {
	registry := NewRegistry()
	registry.Register("expired", ProcessInfo{PID: 0, ServerScript: "mcp_server.py"})

	recorder := &killRecorder{}
	reaper := NewReaper(&staticLister{}, registry, time.Minute)
	reaper.terminate = recorder.terminate

	reaper.Sweep(context.Background())

	assert.Empty(t, recorder.calls)
	assert.Equal(t, 0, registry.Len())
}

func TestSweepSkippedWhenScanFails(t *testing.T) {
	registry := NewRegistry()
	registry.Register("s1", ProcessInfo{PID: 100, ServerScript: "mcp_server.py"})

	recorder := &killRecorder{}
	reaper := NewReaper(&staticLister{err: errors.New("redis down")}, registry, time.Minute)
	reaper.terminate = recorder.terminate

	reaper.Sweep(context.Background())

	// A failed scan must not look like "every session expired".
	assert.Empty(t, recorder.calls)
	assert.Equal(t, 1, registry.Len())
}

func TestShutdownKillsAllRemaining(t *testing.T) {
	registry := NewRegistry()
	registry.Register("s1", ProcessInfo{PID: 100, ServerScript: "mcp_server.py"})
	registry.Register("s2", ProcessInfo{PID: 200, ServerScript: "mcp_server.py"})

	recorder := &killRecorder{}
	reaper := NewReaper(&staticLister{ids: []string{"s1", "s2"}}, registry, time.Minute)
	reaper.terminate = recorder.terminate

	reaper.Start()
	reaper.Shutdown()

	assert.ElementsMatch(t, []int32{100, 200}, recorder.calls)
	assert.Equal(t, 0, registry.Len())
}

func TestReaperLoopSweeps(t *testing.T) {
	registry := NewRegistry()
	registry.Register("expired", ProcessInfo{PID: 300, ServerScript: "mcp_server.py"})

	recorder := &killRecorder{}
	reaper := NewReaper(&staticLister{}, registry, 10*time.Millisecond)
	reaper.terminate = recorder.terminate

	reaper.Start()
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 5*time.Millisecond)
	reaper.Shutdown()

	assert.Equal(t, []int32{300}, recorder.calls)
}
