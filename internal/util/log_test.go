package util

import (
	"bytes"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := pterm.DefaultLogger.Writer
	pterm.DefaultLogger.Writer = &buf
	t.Cleanup(func() {
		pterm.DefaultLogger.Writer = prev
		setDebug(false)
	})
	return &buf
}

func TestLogTraceNeedsDebug(t *testing.T) {
	buf := captureLog(t)

	LogTrace("recv", "seq", 7)
	assert.Empty(t, buf.String())
	assert.False(t, DebugEnabled())

	EnableDebug()
	assert.True(t, DebugEnabled())
	assert.Equal(t, pterm.LogLevelDebug, pterm.DefaultLogger.Level)

	LogTrace("recv", "seq", 7)
	assert.Contains(t, buf.String(), "recv")
	assert.Contains(t, buf.String(), "seq")
}

func TestLogSuccessTagsStatus(t *testing.T) {
	buf := captureLog(t)

	LogSuccess("signed on as %s", "[AnonUser:1:0:0]")
	assert.Contains(t, buf.String(), "signed on as [AnonUser:1:0:0]")
	assert.Contains(t, buf.String(), "status")
}
