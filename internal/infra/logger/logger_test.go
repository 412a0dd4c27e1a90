package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestInit_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "physiocue.log")

	closer := Init(Config{Output: path, Level: "info", MaxSizeMB: 1})

	zlog.Info().Msg("logger: hello")
	zlog.Debug().Msg("logger: hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"logger: hello"`)
	assert.NotContains(t, string(data), "hidden")

	require.NoError(t, Init(Config{Output: "discard"}).Close())
}

func TestShortCaller(t *testing.T) {
	assert.Equal(t, filepath.Join("cue", "dispatcher.go")+":42",
		shortCaller(0, filepath.Join("internal", "app", "cue", "dispatcher.go"), 42))
	assert.Equal(t, "main.go:7", shortCaller(0, "main.go", 7))
}
