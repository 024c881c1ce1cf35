package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"insightbridge/internal/logging"
)

// recentSpawnWindow bounds how old a process may be when FindServerPID
// attributes it to a supervisor that just started.
const recentSpawnWindow = 30 * time.Second

// TerminateFunc kills the sub-process identified by pid after confirming its
// command line matches an MCP server run of serverScript. Injectable so the
// reaper and supervisor can be tested without real processes.
type TerminateFunc func(pid int32, serverScript string) error

// FindServerPID scans the process table for a sub-process running
// `mcp run <serverScript>` that was created within the last 30 seconds.
// The stdio transport does not expose the child PID, so the scan is how the
// supervisor learns which process it owns.
func FindServerPID(serverScript string) (int32, bool) {
	procs, err := process.Processes()
	if err != nil {
		logging.Error("process scan failed: %v", err)
		return 0, false
	}

	for _, p := range procs {
		cmdline, err := p.CmdlineSlice()
		if err != nil || !matchesServerCmdline(cmdline, serverScript) {
			continue
		}
		createdMs, err := p.CreateTime()
		if err != nil {
			continue
		}
		created := time.UnixMilli(createdMs)
		if time.Since(created) < recentSpawnWindow {
			return p.Pid, true
		}
	}
	return 0, false
}

// TerminateServerProcess sends SIGTERM to pid, waits up to the grace period,
// then SIGKILLs. The command line is checked first so an unrelated process
// that recycled the PID is never signalled.
func TerminateServerProcess(pid int32, serverScript string, grace time.Duration) error {
	if pid == 0 {
		return nil
	}

	p, err := process.NewProcess(pid)
	if err != nil {
		// Process already gone.
		return nil
	}

	cmdline, err := p.CmdlineSlice()
	if err != nil {
		return nil
	}
	if !matchesServerCmdline(cmdline, serverScript) {
		logging.Info("pid %d command line does not match MCP server %q, skipping", pid, serverScript)
		return nil
	}

	if running, err := p.IsRunning(); err != nil || !running {
		return nil
	}

	logging.Info("terminating MCP server process pid %d", pid)
	if err := p.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunning(); err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	logging.Info("force killing MCP server process pid %d", pid)
	if err := p.Kill(); err != nil {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return nil
}

// IsProcessRunning reports whether pid still refers to a live process.
func IsProcessRunning(pid int32) bool {
	if pid == 0 {
		return false
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	return err == nil && running
}

// matchesServerCmdline recognizes `<...>/mcp run <serverScript>` invocations.
func matchesServerCmdline(cmdline []string, serverScript string) bool {
	if len(cmdline) < 3 || serverScript == "" {
		return false
	}
	if !strings.Contains(cmdline[0], "mcp") {
		return false
	}
	hasRun := false
	hasScript := false
	for _, arg := range cmdline[1:] {
		if arg == "run" {
			hasRun = true
		}
		if strings.Contains(arg, serverScript) {
			hasScript = true
		}
	}
	return hasRun && hasScript
}
