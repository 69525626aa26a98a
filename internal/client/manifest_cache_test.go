package client

import (
	"path/filepath"
	"testing"
	"time"

	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestCacheSetManifestKeepsLessonDetail(t *testing.T) {
	cache, err := NewManifestCache("")
	require.NoError(t, err)

	require.NoError(t, cache.SetUnit(&model.UnitManifest{
		UnitID:      "unit1",
		Hash:        "u1",
		LessonCount: 1,
		Lessons:     map[string]model.LessonSummary{"U1-L1": {Hash: "l1", AnswerCount: 2}},
	}))
	require.NoError(t, cache.SetUnit(&model.UnitManifest{UnitID: "unit2", Hash: "u2"}))

	require.NoError(t, cache.SetManifest(&model.Manifest{
		GeneratedAt: 10,
		Units:       map[string]model.UnitSummary{"unit1": {Hash: "u1b", LessonCount: 1, UpdatedAt: 9}},
	}))

	snap := cache.Snapshot()
	assert.Equal(t, int64(10), snap.GeneratedAt)
	require.Len(t, snap.Units, 1)
	assert.Equal(t, "u1b", snap.Units["unit1"].Hash)
	assert.Equal(t, "l1", snap.Units["unit1"].Lessons["U1-L1"].Hash)

	// Snapshots are copies.
	snap.Units["unit1"].Lessons["U1-L1"] = model.LessonSummary{Hash: "mutated"}
	assert.Equal(t, "l1", cache.Snapshot().Units["unit1"].Lessons["U1-L1"].Hash)
}

func TestManifestCachePushEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	cache, err := NewManifestCache(path)
	require.NoError(t, err)
	now := time.UnixMilli(5000)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.SetManifest(&model.Manifest{
		Units: map[string]model.UnitSummary{"unit1": {Hash: "old", LessonCount: 3}},
	}))

	require.NoError(t, cache.ApplyAnswerEvent(protocol.AnswerSubmitted{
		Username:          "alice",
		QuestionID:        "U1-L2-Q01",
		UnitID:            "unit1",
		LessonID:          "U1-L2",
		UnitHash:          "new",
		LessonHash:        "l2",
		LessonAnswerCount: 4,
	}))
	// Events without placement are ignored.
	require.NoError(t, cache.ApplyAnswerEvent(protocol.AnswerSubmitted{Username: "bob"}))

	require.NoError(t, cache.ApplyUnitUpdates([]model.UnitUpdate{
		{UnitID: "unit2", UnitHash: "u2", Lessons: []model.LessonUpdate{
			{LessonID: "U2-L1", Hash: "a", AnswerCount: 1},
			{LessonID: "U2-L2", Hash: "b", AnswerCount: 2},
			{Hash: "dropped"},
		}},
		{UnitHash: "no unit"},
	}))

	reloaded, err := NewManifestCache(path)
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	require.Len(t, snap.Units, 2)

	unit1 := snap.Units["unit1"]
	assert.Equal(t, "new", unit1.Hash)
	assert.Equal(t, 3, unit1.LessonCount)
	assert.Equal(t, int64(5000), unit1.UpdatedAt)
	assert.Equal(t, model.LessonSummary{Hash: "l2", AnswerCount: 4, UpdatedAt: 5000}, unit1.Lessons["U1-L2"])

	unit2 := snap.Units["unit2"]
	assert.Equal(t, "u2", unit2.Hash)
	assert.Equal(t, 2, unit2.LessonCount)
	assert.Len(t, unit2.Lessons, 2)
}
