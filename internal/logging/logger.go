// Package logging is the bridge's process-wide leveled logger. Debug output
// is gated at startup; Info, Warn and Error always print.
package logging

import (
	"log"
	"os"
	"sync/atomic"
)

var (
	std          = log.New(os.Stdout, "", log.LstdFlags)
	debugEnabled atomic.Bool
)

// Initialize sets the debug gate. Called once from main before any component
// starts logging; Debug lines emitted earlier are dropped.
func Initialize(debugMode bool) {
	debugEnabled.Store(debugMode)
}

func Info(format string, args ...interface{}) {
	std.Printf(format, args...)
}

// Warn marks recoverable problems, such as a cache value that failed to
// serialize.
func Warn(format string, args ...interface{}) {
	std.Printf("WARN: "+format, args...)
}

func Debug(format string, args ...interface{}) {
	if debugEnabled.Load() {
		std.Printf("DEBUG: "+format, args...)
	}
}

func Error(format string, args ...interface{}) {
	std.Printf("ERROR: "+format, args...)
}
