package pmm

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogOutput(&buf)
	SetLogLevel(level)
	t.Cleanup(func() {
		SetLogOutput(io.Discard)
		SetLogLevel(LogLevelInfo)
	})
	return &buf
}

func TestFatalLogging(t *testing.T) {
	t.Run("Fatal names its caller", func(t *testing.T) {
		buf := captureLog(t, LogLevelFatal)
		Fatal("frame %d lost", 7)
		require.Contains(t, buf.String(), "[FATAL]")
		require.Contains(t, buf.String(), "logger_test.go")
		require.Contains(t, buf.String(), "frame 7 lost")
	})

	t.Run("Assertions name the failing check", func(t *testing.T) {
		buf := captureLog(t, LogLevelFatal)
		b := newTestBuddy(t, 32, 0, 32)
		requireInvariant(t, func() { b.FreePages(0, 1) })
		require.Contains(t, buf.String(), "[FATAL]")
		require.Contains(t, buf.String(), "buddy.go")
		require.Contains(t, buf.String(), "is not allocated")
	})

	t.Run("Level none is silent", func(t *testing.T) {
		buf := captureLog(t, LogLevelNone)
		Fatal("dropped")
		requireInvariant(t, func() { assertf(false, "dropped too") })
		require.Empty(t, buf.String())
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"none", LogLevelNone},
		{"FATAL", LogLevelFatal},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{" debug ", LogLevelDebug},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLogLevel("loud")
	require.Error(t, err)
}
