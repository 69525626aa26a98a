package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/protocol"

	"github.com/natefinch/atomic"
)

// CachedUnit is the local view of one unit: its summary from the manifest
// plus whatever lesson hashes were learned from unit fetches or push events.
type CachedUnit struct {
	Hash        string                         `json:"hash"`
	LessonCount int                            `json:"lessonCount"`
	UpdatedAt   int64                          `json:"updatedAt"`
	Lessons     map[string]model.LessonSummary `json:"lessons"`
}

type CachedManifest struct {
	GeneratedAt int64                 `json:"generatedAt"`
	Units       map[string]CachedUnit `json:"units"`
}

// ManifestCache keeps the last known server manifest, optionally persisted
// to a JSON file. Writes replace the file atomically.
type ManifestCache struct {
	mu    sync.Mutex
	path  string
	state CachedManifest
	now   func() time.Time
}

// NewManifestCache loads path if it exists. An empty path keeps the cache
// in memory only.
func NewManifestCache(path string) (*ManifestCache, error) {
	m := &ManifestCache{
		path:  path,
		state: CachedManifest{Units: map[string]CachedUnit{}},
		now:   time.Now,
	}
	if path == "" {
		return m, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest cache dir: %w", err)
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("read manifest cache: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, fmt.Errorf("parse manifest cache %s: %w", path, err)
	}
	if m.state.Units == nil {
		m.state.Units = map[string]CachedUnit{}
	}
	return m, nil
}

func (m *ManifestCache) Snapshot() CachedManifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := CachedManifest{GeneratedAt: m.state.GeneratedAt, Units: make(map[string]CachedUnit, len(m.state.Units))}
	for id, u := range m.state.Units {
		u.Lessons = maps.Clone(u.Lessons)
		out.Units[id] = u
	}
	return out
}

// SetManifest records a freshly fetched manifest. Units missing from it are
// dropped; lesson details of surviving units are kept.
func (m *ManifestCache) SetManifest(man *model.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	units := make(map[string]CachedUnit, len(man.Units))
	for id, summary := range man.Units {
		u := m.state.Units[id]
		u.Hash = summary.Hash
		u.LessonCount = summary.LessonCount
		u.UpdatedAt = summary.UpdatedAt
		units[id] = u
	}
	m.state = CachedManifest{GeneratedAt: man.GeneratedAt, Units: units}
	return m.saveLocked()
}

func (m *ManifestCache) SetUnit(um *model.UnitManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Units[um.UnitID] = CachedUnit{
		Hash:        um.Hash,
		LessonCount: um.LessonCount,
		UpdatedAt:   um.UpdatedAt,
		Lessons:     maps.Clone(um.Lessons),
	}
	return m.saveLocked()
}

func (m *ManifestCache) SetLesson(unitID, lessonID string, info model.LessonSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.state.Units[unitID]
	if u.Lessons == nil {
		u.Lessons = map[string]model.LessonSummary{}
	}
	u.Lessons[lessonID] = info
	m.state.Units[unitID] = u
	return m.saveLocked()
}

// ApplyAnswerEvent 合并 answer_submitted 消息携带的哈希
func (m *ManifestCache) ApplyAnswerEvent(ev protocol.AnswerSubmitted) error {
	if ev.UnitID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UnixMilli()
	u := m.state.Units[ev.UnitID]
	if ev.UnitHash != "" {
		u.Hash = ev.UnitHash
	}
	u.UpdatedAt = now
	if ev.LessonID != "" {
		if u.Lessons == nil {
			u.Lessons = map[string]model.LessonSummary{}
		}
		u.Lessons[ev.LessonID] = model.LessonSummary{
			Hash:        ev.LessonHash,
			AnswerCount: ev.LessonAnswerCount,
			UpdatedAt:   now,
		}
		u.LessonCount = max(u.LessonCount, len(u.Lessons))
	}
	m.state.Units[ev.UnitID] = u
	return m.saveLocked()
}

// ApplyUnitUpdates 合并 batch_submitted 消息中各单元的哈希
func (m *ManifestCache) ApplyUnitUpdates(updates []model.UnitUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UnixMilli()
	for _, up := range updates {
		if up.UnitID == "" {
			continue
		}
		u := m.state.Units[up.UnitID]
		if up.UnitHash != "" {
			u.Hash = up.UnitHash
		}
		u.UpdatedAt = now
		if u.Lessons == nil {
			u.Lessons = map[string]model.LessonSummary{}
		}
		for _, l := range up.Lessons {
			if l.LessonID == "" {
				continue
			}
			u.Lessons[l.LessonID] = model.LessonSummary{Hash: l.Hash, AnswerCount: l.AnswerCount, UpdatedAt: now}
		}
		u.LessonCount = max(u.LessonCount, len(u.Lessons))
		m.state.Units[up.UnitID] = u
	}
	return m.saveLocked()
}

func (m *ManifestCache) saveLocked() error {
	if m.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest cache: %w", err)
	}
	if err := atomic.WriteFile(m.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write manifest cache: %w", err)
	}
	return nil
}
