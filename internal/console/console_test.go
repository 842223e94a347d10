package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsole_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriter(&buf, false)

	c.Phase("Build")
	c.Success("built in %ds", 42)
	c.Warn("slow response")
	c.Error("stop failed")

	out := buf.String()
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "▶ Build\n")
	assert.Contains(t, out, "✓ built in 42s\n")
	assert.Contains(t, out, "⚠ slow response\n")
	assert.Contains(t, out, "✗ stop failed\n")
}

func TestConsole_Box(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriter(&buf, false)

	c.Box(ToneWarning, "Held for manual review", "pm2 stop app.com--spare")

	out := buf.String()
	assert.Contains(t, out, "Held for manual review")
	assert.Contains(t, out, "pm2 stop app.com--spare")
	assert.Contains(t, out, "╭")
}
