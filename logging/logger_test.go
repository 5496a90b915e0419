package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"debug": LogLevelDebug,
		"info":  LogLevelInfo,
		"warn":  LogLevelWarn,
		"error": LogLevelError,
	} {
		assert.Equal(t, want, ParseLevel(in))
	}

	// Unknown strings default to info.
	assert.Equal(t, LogLevelInfo, ParseLevel("verbose"))
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogAdapter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Debug("starting", "component", "trigger")
	logger.Info("agent registered", "agent", "greeter")
	logger.Warn("queue full")
	logger.Error("store failed", "error", "disk full")

	out := buf.String()
	assert.Contains(t, out, "agent registered")
	assert.Contains(t, out, "agent=greeter")
	assert.Contains(t, out, "disk full")
}

func TestZapAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapAdapter(zap.New(core))

	logger.Info("tool call completed", "tool", "get_weather", "duration_ms", int64(12))
	logger.Error("dispatch failed", "agent", "greeter")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "tool call completed", entries[0].Message)
	assert.Equal(t, "get_weather", entries[0].ContextMap()["tool"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Debug("ignored")
	l.Info("ignored")
	l.Warn("ignored")
	l.Error("ignored")
}
