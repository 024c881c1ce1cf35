package logging

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer
	std.SetOutput(&buf)
	t.Cleanup(func() { std.SetOutput(os.Stdout) })

	Initialize(false)
	Debug("hidden %d", 1)
	Info("plain message")
	Warn("recoverable %s", "problem")
	Error("broken")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "plain message")
	assert.Contains(t, out, "WARN: recoverable problem")
	assert.Contains(t, out, "ERROR: broken")

	Initialize(true)
	Debug("now visible")
	assert.Contains(t, buf.String(), "DEBUG: now visible")
}
