package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"quiz_sync_backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	SetLevel(" WARN ")
	assert.Equal(t, zapcore.WarnLevel, Level())
	SetLevel("bogus")
	assert.Equal(t, zapcore.InfoLevel, Level())
}

func TestLevelName(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Mode = "debug"
	assert.Equal(t, "debug", levelName(cfg))

	cfg.Log.Level = "error"
	assert.Equal(t, "error", levelName(cfg))
}

func TestConsoleCoreJSON(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })
	SetLevel("info")

	var buf bytes.Buffer
	log := zap.New(consoleCore("json", &buf))
	log.Debug("hidden")
	log.Info("shown", zap.String("user", "alice"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "alice", entry["user"])
	assert.Contains(t, entry, "time")

	buf.Reset()
	SetLevel("debug")
	log.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestInitLoggerWritesFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() {
		Log = prev
		SetLevel("info")
	})

	cfg := &config.Config{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.File = filepath.Join(t.TempDir(), "app.log")
	cfg.Log.MaxSizeMB = 1

	InitLogger(cfg)
	Log.Info("to file")
	_ = Log.Sync()
	assert.FileExists(t, cfg.Log.File)
}
