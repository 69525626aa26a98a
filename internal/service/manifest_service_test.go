package service

import (
	"context"
	"testing"
	"time"

	"quiz_sync_backend/internal/protocol"
	"quiz_sync_backend/internal/synctree"
	"quiz_sync_backend/internal/util"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manifestFixture struct {
	store    *memStore
	cache    *SyncCache
	notifier *recordingNotifier
	clock    *clockwork.FakeClock
	svc      *ManifestService
}

func newManifestFixture(t *testing.T) *manifestFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := newMemStore(seedRecords()...)
	cache := NewSyncCache(store, time.Minute, clock)
	notifier := &recordingNotifier{}
	svc := NewManifestService(store, cache, notifier, ManifestOptions{
		PeerDataTTL:  30 * time.Second,
		StatsTTL:     time.Minute,
		MaxBatchSize: 10,
		Clock:        clock,
	})
	return &manifestFixture{store: store, cache: cache, notifier: notifier, clock: clock, svc: svc}
}

func TestGetManifest(t *testing.T) {
	f := newManifestFixture(t)
	m, err := f.svc.GetManifest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, m.UnitCount)
	assert.Equal(t, f.clock.Now().UnixMilli(), m.GeneratedAt)
	require.Contains(t, m.Units, "unit1")
	assert.Equal(t, 2, m.Units["unit1"].LessonCount)
	assert.Equal(t, f.cache.Snapshot().Units["unit1"].Hash, m.Units["unit1"].Hash)
	assert.Equal(t, 1, m.Units["unit2"].LessonCount)
}

func TestGetUnitManifest(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()

	um, err := f.svc.GetUnitManifest(ctx, "unit1")
	require.NoError(t, err)
	assert.Equal(t, "unit1", um.UnitID)
	assert.Equal(t, 2, um.LessonCount)
	assert.Equal(t, 2, um.Lessons["U1-L1"].AnswerCount)
	assert.Equal(t, 1, um.Lessons["U1-L2"].AnswerCount)

	um, err = f.svc.GetUnitManifest(ctx, " UNIT01 ")
	require.NoError(t, err)
	assert.Equal(t, "unit1", um.UnitID)
	assert.Equal(t, 2, um.LessonCount)
	assert.Equal(t, 1, f.store.allCalls, "served from the cached unit")

	_, err = f.svc.GetUnitManifest(ctx, "unit42")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestGetLessonData(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()

	ld, err := f.svc.GetLessonData(ctx, "U1-L1")
	require.NoError(t, err)
	assert.Equal(t, "unit1", ld.UnitID)
	assert.Equal(t, 2, ld.AnswerCount)
	require.Len(t, ld.Answers, 2)
	assert.Equal(t, "alice", ld.Answers[0].Username)
	assert.Equal(t, "bob", ld.Answers[1].Username)

	_, err = f.svc.GetLessonData(ctx, "U9-L9")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestSubmitAnswerRefreshesAndNotifies(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()
	_, err := f.svc.GetManifest(ctx)
	require.NoError(t, err)

	res, err := f.svc.SubmitAnswer(ctx, raw(" erin ", "U1-L2-Q04", `{"choice":"B"}`, nil))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, f.clock.Now().UnixMilli(), res.Timestamp)
	assert.Equal(t, 3, res.Broadcast)

	require.NotNil(t, res.Manifest)
	snap := f.cache.Snapshot()
	assert.Equal(t, "unit1", res.Manifest.UnitID)
	assert.Equal(t, "U1-L2", res.Manifest.LessonID)
	assert.Equal(t, snap.Units["unit1"].Hash, res.Manifest.UnitHash)
	assert.Equal(t, snap.Units["unit1"].Lessons["U1-L2"].Hash, res.Manifest.LessonHash)
	assert.Equal(t, 2, res.Manifest.LessonAnswerCount)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	msg, ok := sent[0].(protocol.AnswerSubmitted)
	require.True(t, ok)
	assert.Equal(t, "erin", msg.Username)
	assert.Equal(t, res.Manifest.UnitHash, msg.UnitHash)
	assert.Equal(t, res.Manifest.LessonHash, msg.LessonHash)
	assert.JSONEq(t, `{"choice":"B"}`, string(msg.AnswerValue))

	assert.Equal(t, 1, f.store.upsertCalls)
	assert.Equal(t, 1, f.store.unitCalls)
}

func TestSubmitAnswerValidation(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()

	_, err := f.svc.SubmitAnswer(ctx, raw("  ", "U1-L1-Q01", `"A"`, 1))
	assert.ErrorIs(t, err, util.ErrInvalidAnswer)
	_, err = f.svc.SubmitAnswer(ctx, raw("alice", nil, `"A"`, 1))
	assert.ErrorIs(t, err, util.ErrInvalidAnswer)
	assert.Empty(t, f.notifier.sent())
	assert.Equal(t, 0, f.store.upsertCalls)

	// Unplaceable question ids are stored but carry no manifest update.
	res, err := f.svc.SubmitAnswer(ctx, raw("alice", "legacy-question", `"A"`, "2024-01-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Nil(t, res.Manifest)
	assert.Equal(t, int64(1704067200000), res.Timestamp)
	require.Len(t, f.notifier.sent(), 1)
	assert.Equal(t, 0, f.store.unitCalls)
}

func TestSubmitAnswerStoreFailure(t *testing.T) {
	f := newManifestFixture(t)
	f.store.fail(errStoreDown)

	_, err := f.svc.SubmitAnswer(context.Background(), raw("alice", "U1-L1-Q01", `"A"`, 1))
	assert.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, f.notifier.sent())
}

func TestSubmitBatch(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()

	res, err := f.svc.SubmitBatch(ctx, []synctree.RawAnswer{
		raw("frank", "U3-L1-Q01", `"A"`, 100),
		raw("frank", "U3-L1-Q01", `"B"`, 300),
		raw("frank", "U3-L1-Q01", `"C"`, 200),
		raw("gina", "U1-L1-Q02", `"A"`, 100),
		raw("", "U1-L1-Q02", `"A"`, 100),
		raw("hank", 12, `"A"`, 100),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 3, res.Broadcast)
	require.Len(t, res.Units, 2)
	assert.Equal(t, "unit1", res.Units[0].UnitID)
	assert.Equal(t, "unit3", res.Units[1].UnitID)
	assert.Equal(t, []string{"U1-L1", "U1-L2"}, []string{res.Units[0].Lessons[0].LessonID, res.Units[0].Lessons[1].LessonID})

	snap := f.cache.Snapshot()
	assert.Equal(t, snap.Units["unit3"].Hash, res.Units[1].UnitHash)
	lesson := snap.Units["unit3"].Lessons["U3-L1"]
	require.NotNil(t, lesson)
	assert.JSONEq(t, `"B"`, string(lesson.Answers[0].AnswerValue))

	assert.Equal(t, 1, f.store.upsertCalls)
	assert.Equal(t, 2, f.store.unitCalls)

	sent := f.notifier.sent()
	require.Len(t, sent, 1)
	batch, ok := sent[0].(protocol.BatchSubmitted)
	require.True(t, ok)
	assert.Equal(t, 2, batch.Count)
	assert.Equal(t, res.Units, batch.Units)
}

func TestSubmitBatchEdgeCases(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()

	res, err := f.svc.SubmitBatch(ctx, []synctree.RawAnswer{raw("", "U1-L1-Q01", `"A"`, 1)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Empty(t, res.Units)
	assert.Empty(t, f.notifier.sent())
	assert.Equal(t, 0, f.store.upsertCalls)

	// Identities whose joined form would coincide stay distinct.
	res, err = f.svc.SubmitBatch(ctx, []synctree.RawAnswer{
		raw("a::b", "U1-L1-Q01", `"A"`, 100),
		raw("a", "b::U1-L1-Q01", `"B"`, 100),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	big := make([]synctree.RawAnswer, 11)
	_, err = f.svc.SubmitBatch(ctx, big)
	assert.ErrorIs(t, err, util.ErrBatchTooLarge)
}

func TestPeerDataCachesUntilWrite(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()

	first, err := f.svc.PeerData(ctx, 0)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 5, first.Total)
	assert.Equal(t, int64(1400), first.Data[0].Timestamp)

	second, err := f.svc.PeerData(ctx, 1200)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 5, second.Total)
	assert.Equal(t, 2, second.Filtered)
	assert.Equal(t, 1, f.store.allCalls)

	_, err = f.svc.SubmitAnswer(ctx, raw("zoe", "U2-L1-Q03", `"A"`, 2000))
	require.NoError(t, err)
	third, err := f.svc.PeerData(ctx, 1200)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 6, third.Total)
	assert.Equal(t, 3, third.Filtered)

	f.clock.Advance(31 * time.Second)
	fourth, err := f.svc.PeerData(ctx, 0)
	require.NoError(t, err)
	assert.False(t, fourth.Cached)

	empty, err := f.svc.PeerData(ctx, 99999)
	require.NoError(t, err)
	assert.NotNil(t, empty.Data)
	assert.Equal(t, 0, empty.Filtered)
}

func TestQuestionStats(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()
	f.store.put(rec("erin", "U1-L1-Q01", `"A"`, 1500))

	stats, err := f.svc.QuestionStats(ctx, "U1-L1-Q01")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalResponses)
	assert.Equal(t, 3, stats.UniqueUsers)
	require.NotNil(t, stats.Consensus)
	assert.Equal(t, "A", *stats.Consensus)
	assert.Equal(t, map[string]int{"A": 67, "B": 33}, stats.Distribution)

	// Cached until a write to the same question.
	f.store.put(rec("finn", "U1-L1-Q01", `"B"`, 1600))
	cached, err := f.svc.QuestionStats(ctx, "U1-L1-Q01")
	require.NoError(t, err)
	assert.Equal(t, 3, cached.TotalResponses)

	_, err = f.svc.SubmitAnswer(ctx, raw("gus", "U1-L1-Q01", `"B"`, 1700))
	require.NoError(t, err)
	fresh, err := f.svc.QuestionStats(ctx, "U1-L1-Q01")
	require.NoError(t, err)
	assert.Equal(t, 5, fresh.TotalResponses)
	assert.Equal(t, "B", *fresh.Consensus)

	none, err := f.svc.QuestionStats(ctx, "U9-L9-Q9")
	require.NoError(t, err)
	assert.Nil(t, none.Consensus)
	assert.Empty(t, none.Distribution)
}

func TestStats(t *testing.T) {
	f := newManifestFixture(t)
	ctx := context.Background()

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.TotalAnswers)
	assert.Equal(t, int64(4), stats.UniqueUsers)
	assert.Equal(t, 3, stats.ConnectedClients)
	assert.Equal(t, "cold", stats.CacheStatus)

	require.NoError(t, f.svc.Warm(ctx))
	f.clock.Advance(5 * time.Second)
	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "warm", stats.CacheStatus)
	assert.InDelta(t, 5.0, stats.Uptime, 0.001)
}
