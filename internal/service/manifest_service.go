package service

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/protocol"
	"quiz_sync_backend/internal/synctree"
	"quiz_sync_backend/internal/util"
	"quiz_sync_backend/pkg/logger"
	"quiz_sync_backend/pkg/monitoring"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// AnswerStore 是作答的持久化存储，repository.AnswerRepository 实现它
type AnswerStore interface {
	TreeSource
	SelectByQuestion(ctx context.Context, questionID string) ([]synctree.Record, error)
	Upsert(ctx context.Context, records []synctree.Record) error
	Count(ctx context.Context) (int64, error)
	CountUsers(ctx context.Context) (int64, error)
}

// Notifier 向推送通道广播消息，返回本实例的接收连接数
type Notifier interface {
	Broadcast(msg protocol.Message) int
	ConnectedClients() int
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(protocol.Message) int { return 0 }
func (nopNotifier) ConnectedClients() int          { return 0 }

type ManifestOptions struct {
	PeerDataTTL  time.Duration
	StatsTTL     time.Duration
	StatsSize    int
	MaxBatchSize int
	Clock        clockwork.Clock
}

type ManifestService struct {
	store    AnswerStore
	cache    *SyncCache
	notifier Notifier
	clock    clockwork.Clock
	maxBatch int
	started  time.Time

	peerMu       sync.Mutex
	peerTTL      time.Duration
	peerData     []synctree.Record
	peerLoadedAt time.Time

	stats *expirable.LRU[string, model.QuestionStats]
}

func NewManifestService(store AnswerStore, cache *SyncCache, notifier Notifier, opts ManifestOptions) *ManifestService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.StatsSize <= 0 {
		opts.StatsSize = 1024
	}
	if opts.StatsTTL <= 0 {
		opts.StatsTTL = time.Minute
	}
	if opts.PeerDataTTL <= 0 {
		opts.PeerDataTTL = 30 * time.Second
	}
	return &ManifestService{
		store:    store,
		cache:    cache,
		notifier: notifier,
		clock:    opts.Clock,
		maxBatch: opts.MaxBatchSize,
		started:  opts.Clock.Now(),
		peerTTL:  opts.PeerDataTTL,
		stats:    expirable.NewLRU[string, model.QuestionStats](opts.StatsSize, nil, opts.StatsTTL),
	}
}

func (s *ManifestService) SetPeerDataTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.peerMu.Lock()
	s.peerTTL = ttl
	s.peerMu.Unlock()
}

// Warm 启动时全量构建缓存
func (s *ManifestService) Warm(ctx context.Context) error {
	if err := s.cache.EnsureFresh(ctx, true); err != nil {
		return err
	}
	snap := s.cache.Snapshot()
	logger.Log.Info("Sync cache warmed",
		zap.Int("units", len(snap.Units)),
		zap.Int("lessons", len(snap.LessonToUnit)),
	)
	return nil
}

func (s *ManifestService) GetManifest(ctx context.Context) (*model.Manifest, error) {
	if err := s.cache.EnsureFresh(ctx, false); err != nil {
		return nil, err
	}
	snap := s.cache.Snapshot()
	units := make(map[string]model.UnitSummary, len(snap.Units))
	for unitID, unit := range snap.Units {
		units[unitID] = model.UnitSummary{
			Hash:        unit.Hash,
			LessonCount: len(unit.Lessons),
			UpdatedAt:   updatedAt(unit.LastUpdated, snap.LastBuilt),
		}
	}
	return &model.Manifest{
		GeneratedAt: s.clock.Now().UnixMilli(),
		UnitCount:   len(units),
		Units:       units,
	}, nil
}

// GetUnitManifest 返回的 UnitID 总是规范形式（unit3），与请求中的写法无关
func (s *ManifestService) GetUnitManifest(ctx context.Context, unitID string) (*model.UnitManifest, error) {
	unit, err := s.cache.Unit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	unitID, _ = synctree.CanonicalUnitID(unitID)
	lessons := make(map[string]model.LessonSummary, len(unit.Lessons))
	for lessonID, lesson := range unit.Lessons {
		lessons[lessonID] = model.LessonSummary{
			Hash:        lesson.Hash,
			AnswerCount: lesson.AnswerCount,
			UpdatedAt:   updatedAt(lesson.LastUpdated, time.UnixMilli(unit.LastUpdated)),
		}
	}
	return &model.UnitManifest{
		UnitID:      unitID,
		Hash:        unit.Hash,
		Lessons:     lessons,
		LessonCount: len(lessons),
		UpdatedAt:   unit.LastUpdated,
	}, nil
}

func (s *ManifestService) GetLessonData(ctx context.Context, lessonID string) (*model.LessonData, error) {
	lesson, unitID, err := s.cache.LessonInfo(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	answers := lesson.Answers
	if answers == nil {
		answers = []synctree.Record{}
	}
	return &model.LessonData{
		UnitID:      unitID,
		LessonID:    lessonID,
		Hash:        lesson.Hash,
		Answers:     answers,
		AnswerCount: lesson.AnswerCount,
		UpdatedAt:   lesson.LastUpdated,
	}, nil
}

// SubmitAnswer 写入一条作答，刷新所属单元并广播新的哈希。
// 缺失的时间戳取当前时间。
func (s *ManifestService) SubmitAnswer(ctx context.Context, raw synctree.RawAnswer) (*model.SubmitResult, error) {
	if isBlankTimestamp(raw.Timestamp) {
		raw.Timestamp = s.clock.Now().UnixMilli()
	}
	rec, ok := synctree.Normalize(raw)
	if !ok {
		return nil, util.ErrInvalidAnswer
	}

	if err := s.store.Upsert(ctx, []synctree.Record{rec}); err != nil {
		return nil, fmt.Errorf("upsert answer: %w", err)
	}
	monitoring.Submissions.WithLabelValues("single").Inc()
	s.invalidateReads(rec.QuestionID)

	msg := protocol.AnswerSubmitted{
		Username:    rec.Username,
		QuestionID:  rec.QuestionID,
		AnswerValue: rec.AnswerValue,
		Timestamp:   rec.Timestamp,
	}
	var update *model.ManifestUpdate
	if loc, ok := synctree.ParseUnitLesson(rec.QuestionID); ok {
		update = &model.ManifestUpdate{UnitID: loc.UnitID, LessonID: loc.LessonID}
		unit, err := s.cache.RefreshUnit(ctx, loc.UnitID)
		if err != nil {
			// 写入已成功，缓存由下一次刷新或 TTL 重建修正
			logger.Log.Warn("Unit refresh after submit failed",
				zap.String("unit", loc.UnitID),
				zap.Error(err),
			)
		} else if unit != nil {
			update.UnitHash = unit.Hash
			if lesson, ok := unit.Lessons[loc.LessonID]; ok {
				update.LessonHash = lesson.Hash
				update.LessonAnswerCount = lesson.AnswerCount
			}
		}
		msg.UnitID = update.UnitID
		msg.LessonID = update.LessonID
		msg.UnitHash = update.UnitHash
		msg.LessonHash = update.LessonHash
		msg.LessonAnswerCount = update.LessonAnswerCount
	}

	delivered := s.notifier.Broadcast(msg)
	return &model.SubmitResult{
		Success:   true,
		Timestamp: rec.Timestamp,
		Broadcast: delivered,
		Manifest:  update,
	}, nil
}

// SubmitBatch 写入一批作答。无效记录被丢弃，同一身份的多条记录只保留
// 时间戳最新的一条；每个受影响单元刷新一次，整批只广播一次。
func (s *ManifestService) SubmitBatch(ctx context.Context, raws []synctree.RawAnswer) (*model.BatchResult, error) {
	if s.maxBatch > 0 && len(raws) > s.maxBatch {
		return nil, fmt.Errorf("%w: %d > %d", util.ErrBatchTooLarge, len(raws), s.maxBatch)
	}

	now := s.clock.Now().UnixMilli()
	stamped := make([]synctree.RawAnswer, len(raws))
	for i, raw := range raws {
		if isBlankTimestamp(raw.Timestamp) {
			raw.Timestamp = now
		}
		stamped[i] = raw
	}
	// 同一身份保留时间戳最新的一条，时间戳相同时以批次中靠后的为准
	records := synctree.LatestPerIdentity(synctree.Canonicalize(stamped))

	result := &model.BatchResult{Success: true, Count: len(records), Units: []model.UnitUpdate{}}
	if len(records) == 0 {
		return result, nil
	}

	if err := s.store.Upsert(ctx, records); err != nil {
		return nil, fmt.Errorf("upsert batch: %w", err)
	}
	monitoring.Submissions.WithLabelValues("batch").Add(float64(len(records)))
	s.invalidateReads("")

	affected := make(map[string]struct{})
	for _, rec := range records {
		if loc, ok := synctree.ParseUnitLesson(rec.QuestionID); ok {
			affected[loc.UnitID] = struct{}{}
		}
	}
	unitIDs := make([]string, 0, len(affected))
	for unitID := range affected {
		unitIDs = append(unitIDs, unitID)
	}
	slices.Sort(unitIDs)

	for _, unitID := range unitIDs {
		update := model.UnitUpdate{UnitID: unitID, Lessons: []model.LessonUpdate{}}
		unit, err := s.cache.RefreshUnit(ctx, unitID)
		if err != nil {
			logger.Log.Warn("Unit refresh after batch failed",
				zap.String("unit", unitID),
				zap.Error(err),
			)
		} else if unit != nil {
			update.UnitHash = unit.Hash
			for lessonID, lesson := range unit.Lessons {
				update.Lessons = append(update.Lessons, model.LessonUpdate{
					LessonID:    lessonID,
					Hash:        lesson.Hash,
					AnswerCount: lesson.AnswerCount,
				})
			}
			slices.SortFunc(update.Lessons, func(a, b model.LessonUpdate) int {
				return cmp.Compare(a.LessonID, b.LessonID)
			})
		}
		result.Units = append(result.Units, update)
	}

	result.Broadcast = s.notifier.Broadcast(protocol.BatchSubmitted{
		Count:     result.Count,
		Timestamp: now,
		Units:     result.Units,
	})
	return result, nil
}

// PeerData 返回全部作答（按时间倒序），since > 0 时只返回更新的部分
func (s *ManifestService) PeerData(ctx context.Context, since int64) (*model.PeerData, error) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	cached := !s.peerLoadedAt.IsZero() && s.clock.Since(s.peerLoadedAt) < s.peerTTL
	if !cached {
		records, err := s.store.SelectAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("load peer data: %w", err)
		}
		slices.SortStableFunc(records, func(a, b synctree.Record) int {
			return cmp.Compare(b.Timestamp, a.Timestamp)
		})
		s.peerData = records
		s.peerLoadedAt = s.clock.Now()
	}

	data := s.peerData
	if since > 0 {
		data = make([]synctree.Record, 0)
		for _, rec := range s.peerData {
			if rec.Timestamp > since {
				data = append(data, rec)
			}
		}
	}
	if data == nil {
		data = []synctree.Record{}
	}
	return &model.PeerData{
		Data:       data,
		Total:      len(s.peerData),
		Filtered:   len(data),
		Cached:     cached,
		LastUpdate: s.peerLoadedAt.UnixMilli(),
	}, nil
}

// QuestionStats 统计一道题的作答分布（百分比）与共识答案
func (s *ManifestService) QuestionStats(ctx context.Context, questionID string) (*model.QuestionStats, error) {
	if stats, ok := s.stats.Get(questionID); ok {
		return &stats, nil
	}

	records, err := s.store.SelectByQuestion(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("load question %s: %w", questionID, err)
	}

	counts := make(map[string]int)
	var order []string
	users := make(map[string]struct{})
	for _, rec := range records {
		key := distributionKey(rec.AnswerValue)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
		users[rec.Username] = struct{}{}
	}

	stats := model.QuestionStats{
		QuestionID:     questionID,
		Distribution:   make(map[string]int, len(counts)),
		TotalResponses: len(records),
		UniqueUsers:    len(users),
		Timestamp:      s.clock.Now().UnixMilli(),
	}
	best := 0
	for _, key := range order {
		if counts[key] > best {
			best = counts[key]
			consensus := key
			stats.Consensus = &consensus
		}
		stats.Distribution[key] = int(math.Round(float64(counts[key]) / float64(len(records)) * 100))
	}

	s.stats.Add(questionID, stats)
	return &stats, nil
}

func (s *ManifestService) Stats(ctx context.Context) (*model.ServerStats, error) {
	total, err := s.store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	users, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	status := "cold"
	if s.cache.Fresh() {
		status = "warm"
	}
	return &model.ServerStats{
		TotalAnswers:     total,
		UniqueUsers:      users,
		ConnectedClients: s.notifier.ConnectedClients(),
		CacheStatus:      status,
		Uptime:           s.clock.Since(s.started).Seconds(),
	}, nil
}

// CacheStatus returns "warm" or "cold" for the health endpoint
func (s *ManifestService) CacheStatus() string {
	if s.cache.Fresh() {
		return "warm"
	}
	return "cold"
}

// invalidateReads 清除旧接口缓存；questionID 为空时清空全部题目统计
func (s *ManifestService) invalidateReads(questionID string) {
	s.peerMu.Lock()
	s.peerLoadedAt = time.Time{}
	s.peerMu.Unlock()

	if questionID == "" {
		s.stats.Purge()
		return
	}
	s.stats.Remove(questionID)
}

func distributionKey(value json.RawMessage) string {
	var str string
	if err := json.Unmarshal(value, &str); err == nil {
		return str
	}
	return string(value)
}

func isBlankTimestamp(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case float64:
		return val == 0
	case int64:
		return val == 0
	case int:
		return val == 0
	case json.Number:
		return val == "" || val == "0"
	default:
		return false
	}
}

func updatedAt(ms int64, fallback time.Time) int64 {
	if ms > 0 {
		return ms
	}
	return fallback.UnixMilli()
}
