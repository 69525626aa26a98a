package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"quiz_sync_backend/internal/app"
	"quiz_sync_backend/internal/config"
	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/synctree"
	"quiz_sync_backend/pkg/database"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("offline")

func rec(user, qid, value string, ts int64) synctree.Record {
	return synctree.Record{Username: user, QuestionID: qid, AnswerValue: json.RawMessage(value), Timestamp: ts}
}

func answer(user, qid, value string, ts int64) synctree.RawAnswer {
	return synctree.RawAnswer{Username: user, QuestionID: qid, AnswerValue: json.RawMessage(value), Timestamp: ts}
}

// seedAnswers spans two units with one lesson each.
func seedAnswers() []synctree.RawAnswer {
	return []synctree.RawAnswer{
		answer("alice", "U1-L1-Q01", `"A"`, 1000),
		answer("alice", "U1-L1-Q02", `"B"`, 1100),
		answer("bob", "U1-L1-Q01", `"C"`, 1200),
		answer("alice", "U2-L1-Q01", `{"pick":"D"}`, 1300),
		answer("carol", "U2-L1-Q01", `42`, 1400),
	}
}

func seedRecords() []synctree.Record {
	out := make([]synctree.Record, 0, 5)
	for _, raw := range seedAnswers() {
		r, _ := synctree.Normalize(raw)
		out = append(out, r)
	}
	return out
}

type testServer struct {
	App *app.App
	URL string
	API *API
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Server: config.ServerConfig{Port: "0", Mode: gin.TestMode},
		Database: config.DatabaseConfig{
			Driver:   "sqlite",
			Path:     filepath.Join(t.TempDir(), "server.db"),
			LogLevel: "silent",
		},
		Sync: config.SyncConfig{
			CacheTTL:     time.Minute,
			PeerDataTTL:  time.Millisecond,
			StatsTTL:     time.Minute,
			StatsSize:    64,
			PresenceTTL:  time.Minute,
			MaxBatchSize: 100,
		},
		RateLimit: config.RateLimitConfig{MaxRequests: 10000, WindowMinutes: 1},
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

	api, err := NewAPI(APIConfig{BaseURL: srv.URL, MaxRetries: 1, RetryDelay: 10 * time.Millisecond, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return &testServer{App: a, URL: srv.URL, API: api}
}

// fakeRemote serves a fixed tree and can fail selected calls.
type fakeRemote struct {
	mu           sync.Mutex
	tree         *synctree.Tree
	failManifest error
	failLesson   map[string]error
	missingUnit  map[string]bool
	lessonCalls  []string

	// gate, when set, holds Manifest after signalling entered.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeRemote(records ...synctree.Record) *fakeRemote {
	return &fakeRemote{
		tree:        synctree.Build(records, 1),
		failLesson:  map[string]error{},
		missingUnit: map[string]bool{},
	}
}

func (f *fakeRemote) Manifest(ctx context.Context) (*model.Manifest, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failManifest != nil {
		return nil, f.failManifest
	}
	units := map[string]model.UnitSummary{}
	for id, u := range f.tree.Units {
		units[id] = model.UnitSummary{Hash: u.Hash, LessonCount: len(u.Lessons), UpdatedAt: 1}
	}
	return &model.Manifest{GeneratedAt: 1, UnitCount: len(units), Units: units}, nil
}

func (f *fakeRemote) UnitManifest(ctx context.Context, unitID string) (*model.UnitManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.tree.Units[unitID]
	if !ok || f.missingUnit[unitID] {
		return nil, ErrNotFound
	}
	lessons := map[string]model.LessonSummary{}
	for id, l := range u.Lessons {
		lessons[id] = model.LessonSummary{Hash: l.Hash, AnswerCount: l.AnswerCount, UpdatedAt: 1}
	}
	return &model.UnitManifest{UnitID: unitID, Hash: u.Hash, Lessons: lessons, LessonCount: len(lessons), UpdatedAt: 1}, nil
}

func (f *fakeRemote) LessonData(ctx context.Context, lessonID string) (*model.LessonData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lessonCalls = append(f.lessonCalls, lessonID)
	if err := f.failLesson[lessonID]; err != nil {
		return nil, err
	}
	l, unitID, ok := f.tree.Lesson(lessonID)
	if !ok {
		return nil, ErrNotFound
	}
	return &model.LessonData{UnitID: unitID, LessonID: lessonID, Hash: l.Hash, Answers: l.Answers, AnswerCount: l.AnswerCount, UpdatedAt: 1}, nil
}

func treeRecords(tree *synctree.Tree) []synctree.Record {
	var out []synctree.Record
	for _, unit := range tree.Units {
		for _, lesson := range unit.Lessons {
			out = append(out, lesson.Answers...)
		}
	}
	return out
}

func (f *fakeRemote) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lessonCalls...)
}

type fakePuller struct {
	mu      sync.Mutex
	records []synctree.Record
	err     error
	since   []int64
}

func (p *fakePuller) PullSince(ctx context.Context, since int64) ([]synctree.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.since = append(p.since, since)
	if p.err != nil {
		return nil, p.err
	}
	var out []synctree.Record
	for _, r := range p.records {
		if r.Timestamp > since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *fakePuller) PullAll(ctx context.Context) ([]synctree.Record, error) {
	return p.PullSince(ctx, 0)
}

type peerEvent struct {
	Username string
	Correct  bool
}

type recordingObserver struct {
	mu     sync.Mutex
	events []peerEvent
}

func (o *recordingObserver) OnPeerAnswer(username string, isCorrect bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, peerEvent{username, isCorrect})
}

func (o *recordingObserver) seen() []peerEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]peerEvent(nil), o.events...)
}

// answerKey marks "A" as the correct answer everywhere.
type answerKey struct{}

func (answerKey) IsCorrect(questionID string, value json.RawMessage) bool {
	return string(value) == `"A"`
}
