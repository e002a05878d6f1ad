package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "DEBUG", want: zapcore.DebugLevel},
		{name: "info", want: zapcore.InfoLevel},
		{name: "WARNING", want: zapcore.WarnLevel},
		{name: "warn", want: zapcore.WarnLevel},
		{name: "ERROR", want: zapcore.ErrorLevel},
		{name: "CRITICAL", want: zapcore.ErrorLevel},
		{name: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	buf := new(bytes.Buffer)
	var hooked []zapcore.Level
	logger, err := New(
		WithConsole(buf),
		WithLevel(zapcore.DebugLevel),
		WithFile(filepath.Join(t.TempDir(), "krista-backup.log")),
		WithHook(func(e zapcore.Entry) error {
			hooked = append(hooked, e.Level)
			return nil
		}),
	)
	require.NoError(t, err)

	logger.Named("full_backup").Debug("walk finished")
	logger.Warn("level lowered")

	out := buf.String()
	assert.Contains(t, out, "[DEBUG]")
	assert.Contains(t, out, "full_backup")
	assert.Contains(t, out, "[WARN]")
	assert.Equal(t, []zapcore.Level{zapcore.DebugLevel, zapcore.WarnLevel}, hooked)
}
