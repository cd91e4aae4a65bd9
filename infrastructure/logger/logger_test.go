package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &Logger{Logger: zap.New(core)}, logs
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad level", Config{Level: "loud", Outputs: []string{"stdout"}}, "invalid log level"},
		{"no outputs", Config{Level: "info"}, "no log outputs"},
		{"file without path", Config{Level: "info", Outputs: []string{"file"}}, "needs outputFile"},
		{"unknown output", Config{Level: "info", Outputs: []string{"syslog"}}, "unknown log output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewWritesFileAndErrorFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Level:      "info",
		Format:     "json",
		Outputs:    []string{"file"},
		OutputFile: filepath.Join(dir, "app.log"),
		ErrorFile:  filepath.Join(dir, "error.log"),
	}
	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("hello")
	l.LogError(errors.New("boom"), nil)
	require.NoError(t, l.Close())

	app, err := os.ReadFile(cfg.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(app), "hello")
	assert.Contains(t, string(app), "boom")

	errs, err := os.ReadFile(cfg.ErrorFile)
	require.NoError(t, err)
	assert.NotContains(t, string(errs), "hello")
	assert.Contains(t, string(errs), "boom")
}

func TestEventHelpers(t *testing.T) {
	l, logs := observed()
	fields := map[string]interface{}{"side": "BUY"}

	l.Named("engine").LogOrder("EXPIRED", "o-1", fields)
	l.LogRisk("kill_switch_activated", map[string]interface{}{"trigger": "MANUAL"})
	l.LogCycle("c-1", nil)

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)

	order := entries[0].ContextMap()
	assert.Equal(t, "order_event", entries[0].Message)
	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, "EXPIRED", order["event"])
	assert.Equal(t, "o-1", order["order_id"])
	assert.Equal(t, "BUY", order["side"])
	assert.Contains(t, order, "ts")
	assert.Len(t, fields, 1, "caller map untouched")

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "MANUAL", entries[1].ContextMap()["trigger"])
	assert.Equal(t, "c-1", entries[2].ContextMap()["cycle_id"])
}
