package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"quiz_sync_backend/internal/app"
	"quiz_sync_backend/internal/config"
	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/pkg/database"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Server:   config.ServerConfig{Port: "0", Mode: gin.TestMode},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "server.db"), LogLevel: "silent"},
		Sync: config.SyncConfig{
			CacheTTL:     time.Minute,
			PeerDataTTL:  time.Second,
			StatsTTL:     time.Minute,
			StatsSize:    16,
			PresenceTTL:  time.Minute,
			MaxBatchSize: 100,
		},
		RateLimit: config.RateLimitConfig{MaxRequests: 1000, WindowMinutes: 1},
	}
	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	a := app.New(cfg, db, nil)
	srv := httptest.NewServer(a.Router)
	t.Cleanup(func() {
		a.Close()
		srv.Close()
	})
	return srv.URL
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSubmitThenSync(t *testing.T) {
	server := startServer(t)
	dir := t.TempDir()
	common := []string{"--server", server, "--db", filepath.Join(dir, "local.db"), "--manifest", filepath.Join(dir, "manifest.json")}

	out, err := execute(t, append([]string{"submit", "-u", "alice", "--timestamp", "1000", "U1-L1-Q01", "B"}, common...)...)
	require.NoError(t, err, out)
	var submitted model.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))
	assert.True(t, submitted.Success)
	require.NotNil(t, submitted.Manifest)
	assert.Equal(t, "unit1", submitted.Manifest.UnitID)

	out, err = execute(t, append([]string{"sync"}, common...)...)
	require.NoError(t, err, out)
	var report syncReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.EqualValues(t, "merkle", report.Mode)
	assert.True(t, report.MerkleHealthy)
	assert.NotNil(t, report.LastModeChange)
	require.NotNil(t, report.Summary)
	assert.Equal(t, 1, report.Summary.AnswersApplied)
	assert.Equal(t, 1, report.LocalAnswers)

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), submitted.Manifest.UnitHash)

	// The local store persists between runs.
	out, err = execute(t, append([]string{"sync"}, common...)...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Zero(t, report.Summary.LessonsFetched)
}

func TestSyncFailsWhenServerUnreachable(t *testing.T) {
	out, err := execute(t, "sync", "--server", "http://127.0.0.1:1", "--timeout", "200ms", "--retries", "0")
	assert.Error(t, err)
	assert.Contains(t, out, `"full-fallback"`)
	assert.Contains(t, out, `"merkleHealthy": false`)
}

func TestSubmitRequiresUsername(t *testing.T) {
	_, err := execute(t, "submit", "U1-L1-Q01", "A")
	assert.ErrorContains(t, err, "--username")
}

func TestAnswerValue(t *testing.T) {
	assert.Equal(t, `"B"`, string(answerValue("B")))
	assert.Equal(t, `42`, string(answerValue("42")))
	assert.Equal(t, `{"a":1}`, string(answerValue(`{"a":1}`)))
}
