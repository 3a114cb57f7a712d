package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"", zapcore.InfoLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	l, err := New("info", "json")
	require.NoError(t, err)
	assert.NotNil(t, l.Zap())
	assert.NoError(t, l.SetLevel("debug"))
	assert.Error(t, l.SetLevel("loud"))

	_, err = New("info", "xml")
	assert.Error(t, err)
	_, err = New("loud", "json")
	assert.Error(t, err)
}

func TestSlogRecordsReachZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewWithCore(core)

	l.With("endpoint", "local://orders").Info("listener started", "parallelism", 4)
	l.Debug("dropped below level")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "listener started", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "local://orders", fields["endpoint"])
	assert.EqualValues(t, 4, fields["parallelism"])
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("ignored")
	assert.NoError(t, l.Sync())
}
