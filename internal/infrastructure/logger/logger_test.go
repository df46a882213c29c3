package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config falls back to defaults", nil},
		{"console", DefaultConfig()},
		{"json", &Config{Level: "info", Format: "json", Output: "stdout"}},
		{"missing time format", &Config{Level: "debug", Format: "json", Output: "stderr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.log")

	l, err := New(&Config{Level: "info", Format: "json", Output: path, ServiceName: "meter"})
	require.NoError(t, err)
	l.Info("usage flushed", zap.Int("records", 3))
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	assert.Equal(t, "usage flushed", entry["msg"])
	assert.Equal(t, "meter", entry["service"])
	assert.EqualValues(t, 3, entry["records"])
}

func TestOpenSink_UnwritablePathFallsBack(t *testing.T) {
	w := openSink(filepath.Join(t.TempDir(), "missing", "dir", "x.log"))
	assert.NotNil(t, w)
}

func TestEncoders(t *testing.T) {
	assert.NotNil(t, newEncoder("console", defaultTimeFormat))
	assert.NotNil(t, newEncoder("json", defaultTimeFormat))
}
