package service

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"quiz_sync_backend/internal/synctree"
	"quiz_sync_backend/internal/util"
	"quiz_sync_backend/pkg/logger"
	"quiz_sync_backend/pkg/monitoring"
	"quiz_sync_backend/pkg/tracing"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// sharedRebuildTimeout 限制与调用方解绑后的共享重建
const sharedRebuildTimeout = 30 * time.Second

// TreeSource 是同步缓存读取作答的存储
type TreeSource interface {
	SelectAll(ctx context.Context) ([]synctree.Record, error)
	SelectByUnit(ctx context.Context, unitNumber int) ([]synctree.Record, error)
}

// CacheSnapshot 是某一时刻的只读缓存视图。发布后不再修改。
type CacheSnapshot struct {
	Units        map[string]*synctree.Unit
	LessonToUnit map[string]string
	LastBuilt    time.Time
}

type cacheState struct {
	CacheSnapshot
	// unitRefreshedAt 记录单元级刷新的时间，全量重建时不覆盖更新的单元
	unitRefreshedAt map[string]time.Time
}

// SyncCache 持有服务端的哈希树。读取走快照，替换时加写锁。
type SyncCache struct {
	source TreeSource
	clock  clockwork.Clock

	mu    sync.RWMutex
	state *cacheState
	ttl   time.Duration

	rebuilds singleflight.Group
}

func NewSyncCache(source TreeSource, ttl time.Duration, clock clockwork.Clock) *SyncCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SyncCache{
		source: source,
		clock:  clock,
		ttl:    ttl,
		state: &cacheState{
			CacheSnapshot: CacheSnapshot{
				Units:        map[string]*synctree.Unit{},
				LessonToUnit: map[string]string{},
			},
			unitRefreshedAt: map[string]time.Time{},
		},
	}
}

func (c *SyncCache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *SyncCache) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

func (c *SyncCache) Snapshot() CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.CacheSnapshot
}

// Fresh reports whether the cache has been built and has not expired
func (c *SyncCache) Fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freshLocked()
}

func (c *SyncCache) freshLocked() bool {
	last := c.state.LastBuilt
	return !last.IsZero() && c.clock.Since(last) < c.ttl
}

// EnsureFresh 在强制或过期时全量重建。并发的非强制调用共享同一次重建；
// 强制调用总是重新读取存储。
// 共享的重建不随某个调用方的 ctx 取消，调用方取消只会让自己提前返回。
func (c *SyncCache) EnsureFresh(ctx context.Context, force bool) error {
	if force {
		return c.rebuild(ctx)
	}
	if c.Fresh() {
		return nil
	}
	ch := c.rebuilds.DoChan("full", func() (interface{}, error) {
		if c.Fresh() {
			return nil, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRebuildTimeout)
		defer cancel()
		return nil, c.rebuild(rctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SyncCache) rebuild(ctx context.Context) (err error) {
	ctx, span := tracing.Start(ctx, "SyncCache.Rebuild")
	started := c.clock.Now()
	defer func() {
		observeRefresh("full", started, c.clock.Now(), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	records, err := c.source.SelectAll(ctx)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	builtAt := c.clock.Now()
	tree := synctree.Build(records, builtAt.UnixMilli())
	span.SetAttributes(
		attribute.Int("answers", len(records)),
		attribute.Int("units", len(tree.Units)),
	)

	c.mu.Lock()
	defer c.mu.Unlock()

	units := tree.Units
	refreshed := make(map[string]time.Time)
	// 重建期间被单元刷新过的单元保留较新的版本
	for unitID, at := range c.state.unitRefreshedAt {
		if !at.After(started) {
			continue
		}
		refreshed[unitID] = at
		if unit, ok := c.state.Units[unitID]; ok {
			units[unitID] = unit
		} else {
			delete(units, unitID)
		}
	}

	c.state = &cacheState{
		CacheSnapshot: CacheSnapshot{
			Units:        units,
			LessonToUnit: indexLessons(units),
			LastBuilt:    builtAt,
		},
		unitRefreshedAt: refreshed,
	}
	monitoring.CacheUnits.Set(float64(len(units)))
	logger.Log.Debug("Sync cache rebuilt",
		zap.Int("answers", len(records)),
		zap.Int("units", len(units)),
	)
	return nil
}

// RefreshUnit 只重建一个单元。单元无数据时从缓存移除，返回 nil。
// 不更新 LastBuilt，TTL 仍然驱动全量重建。
func (c *SyncCache) RefreshUnit(ctx context.Context, unitID string) (unit *synctree.Unit, err error) {
	n, ok := synctree.UnitNumber(unitID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", util.ErrInvalidUnitID, unitID)
	}
	unitID, _ = synctree.CanonicalUnitID(unitID)

	ctx, span := tracing.Start(ctx, "SyncCache.RefreshUnit")
	span.SetAttributes(attribute.String("unit", unitID))
	started := c.clock.Now()
	defer func() {
		observeRefresh("unit", started, c.clock.Now(), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	records, err := c.source.SelectByUnit(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", unitID, err)
	}
	now := c.clock.Now()
	unit = synctree.Build(records, now.UnixMilli()).Units[unitID]

	c.mu.Lock()
	defer c.mu.Unlock()

	units := maps.Clone(c.state.Units)
	lessons := maps.Clone(c.state.LessonToUnit)
	for lessonID, owner := range lessons {
		if owner != unitID {
			continue
		}
		if unit == nil || unit.Lessons[lessonID] == nil {
			delete(lessons, lessonID)
		}
	}
	if unit == nil {
		delete(units, unitID)
	} else {
		units[unitID] = unit
		for lessonID := range unit.Lessons {
			lessons[lessonID] = unitID
		}
	}
	refreshed := maps.Clone(c.state.unitRefreshedAt)
	refreshed[unitID] = now

	c.state = &cacheState{
		CacheSnapshot: CacheSnapshot{
			Units:        units,
			LessonToUnit: lessons,
			LastBuilt:    c.state.LastBuilt,
		},
		unitRefreshedAt: refreshed,
	}
	monitoring.CacheUnits.Set(float64(len(units)))
	return unit, nil
}

// RefreshUnitByQuestion refreshes the unit a question belongs to
func (c *SyncCache) RefreshUnitByQuestion(ctx context.Context, questionID string) (*synctree.Unit, synctree.Location, error) {
	loc, ok := synctree.ParseUnitLesson(questionID)
	if !ok {
		return nil, synctree.Location{}, fmt.Errorf("%w: question_id %q has no unit/lesson", util.ErrInvalidAnswer, questionID)
	}
	unit, err := c.RefreshUnit(ctx, loc.UnitID)
	return unit, loc, err
}

// Unit 返回缓存中的单元；未知单元会尝试单元级刷新
func (c *SyncCache) Unit(ctx context.Context, unitID string) (*synctree.Unit, error) {
	unitID, ok := synctree.CanonicalUnitID(unitID)
	if !ok {
		return nil, util.ErrNotFound
	}
	if err := c.EnsureFresh(ctx, false); err != nil {
		return nil, err
	}
	if unit, ok := c.Snapshot().Units[unitID]; ok {
		return unit, nil
	}
	unit, err := c.RefreshUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, util.ErrNotFound
	}
	return unit, nil
}

// LessonInfo 定位课时及其所属单元，未跟踪的课时会触发单元刷新
func (c *SyncCache) LessonInfo(ctx context.Context, lessonID string) (*synctree.Lesson, string, error) {
	if lessonID == "" {
		return nil, "", util.ErrNotFound
	}
	if err := c.EnsureFresh(ctx, false); err != nil {
		return nil, "", err
	}

	snap := c.Snapshot()
	unitID, ok := snap.LessonToUnit[lessonID]
	if !ok {
		unitID, ok = synctree.UnitIDFromLessonID(lessonID)
		if !ok {
			return nil, "", util.ErrNotFound
		}
	}

	unit := snap.Units[unitID]
	if unit == nil || unit.Lessons[lessonID] == nil {
		var err error
		unit, err = c.RefreshUnit(ctx, unitID)
		if err != nil {
			return nil, "", err
		}
	}
	if unit == nil {
		return nil, "", util.ErrNotFound
	}
	lesson, ok := unit.Lessons[lessonID]
	if !ok {
		return nil, "", util.ErrNotFound
	}
	return lesson, unitID, nil
}

func indexLessons(units map[string]*synctree.Unit) map[string]string {
	out := make(map[string]string)
	for unitID, unit := range units {
		for lessonID := range unit.Lessons {
			out[lessonID] = unitID
		}
	}
	return out
}

func observeRefresh(kind string, started, finished time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	monitoring.CacheRefreshes.WithLabelValues(kind, result).Inc()
	monitoring.CacheRefreshDuration.WithLabelValues(kind).Observe(finished.Sub(started).Seconds())
}
