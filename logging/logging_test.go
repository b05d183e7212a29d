package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewFiltersBelowLevel(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	logger, err := New("WARN", &buf)
	req.NoError(err)

	logger.Info("hidden")
	logger.Warn("shown", "user", "alice")

	req.NotContains(buf.String(), "hidden")
	req.Contains(buf.String(), "user=alice")
}

func TestOpenWritesToFile(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "client.log")

	logger, closer, err := Open("INFO", path)
	req.NoError(err)
	logger.Info("connected", "server", "127.0.0.1:7777")
	req.NoError(closer.Close())

	data, err := os.ReadFile(path)
	req.NoError(err)
	req.Contains(string(data), "connected")
}
