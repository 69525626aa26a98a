package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/repository"
	"quiz_sync_backend/internal/synctree"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LocalStore holds the answers this client knows about.
type LocalStore interface {
	Answers(ctx context.Context) ([]synctree.Record, error)
	// MergeAnswer applies rec with last-write-wins by timestamp and reports
	// whether local state changed. On equal timestamps the incoming value
	// wins, so local state converges on the server's copy.
	MergeAnswer(ctx context.Context, rec synctree.Record) (bool, error)
	// PurgeLesson removes every answer that belongs to lessonID.
	PurgeLesson(ctx context.Context, lessonID string) (int, error)
}

func supersedes(incoming, current synctree.Record) bool {
	if incoming.Timestamp != current.Timestamp {
		return incoming.Timestamp > current.Timestamp
	}
	return !bytes.Equal(synctree.CanonicalValue(incoming.AnswerValue), synctree.CanonicalValue(current.AnswerValue))
}

func inLesson(questionID, lessonID string) bool {
	loc, ok := synctree.ParseUnitLesson(questionID)
	return ok && loc.LessonID == lessonID
}

// MemoryStore 进程内存中的 LocalStore
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[synctree.Identity]synctree.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[synctree.Identity]synctree.Record)}
}

func (s *MemoryStore) Answers(ctx context.Context) ([]synctree.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]synctree.Record, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	synctree.SortRecords(out)
	return out, nil
}

func (s *MemoryStore) MergeAnswer(ctx context.Context, rec synctree.Record) (bool, error) {
	rec, ok := synctree.NormalizeRecord(rec)
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, found := s.rows[rec.Key()]; found && !supersedes(rec, current) {
		return false, nil
	}
	s.rows[rec.Key()] = rec
	return true, nil
}

func (s *MemoryStore) PurgeLesson(ctx context.Context, lessonID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.rows {
		if inLesson(rec.QuestionID, lessonID) {
			delete(s.rows, key)
			removed++
		}
	}
	return removed, nil
}

// GormStore persists the local copy in the same answers table the server
// uses, normally in a sqlite file.
type GormStore struct {
	db   *gorm.DB
	repo *repository.AnswerRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, repo: repository.NewAnswerRepository(db)}
}

// OpenSQLiteStore 打开 sqlite 本地存储并执行迁移
func OpenSQLiteStore(path string) (*GormStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create local store dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if err := db.AutoMigrate(&model.Answer{}); err != nil {
		return nil, fmt.Errorf("migrate local store: %w", err)
	}
	return NewGormStore(db), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Answers(ctx context.Context) ([]synctree.Record, error) {
	return s.repo.SelectAll(ctx)
}

func (s *GormStore) MergeAnswer(ctx context.Context, rec synctree.Record) (bool, error) {
	rec, ok := synctree.NormalizeRecord(rec)
	if !ok {
		return false, nil
	}
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.Answer
		err := tx.Where("username = ? AND question_id = ?", rec.Username, rec.QuestionID).Take(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case !supersedes(rec, current.Record()):
			return nil
		}
		applied = true
		return repository.NewAnswerRepository(tx).Upsert(ctx, []synctree.Record{rec})
	})
	if err != nil {
		return false, fmt.Errorf("merge answer: %w", err)
	}
	return applied, nil
}

func (s *GormStore) PurgeLesson(ctx context.Context, lessonID string) (int, error) {
	var rows []model.Answer
	if err := s.db.WithContext(ctx).Select("id", "question_id").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("list local answers: %w", err)
	}
	var ids []uint
	for _, row := range rows {
		if inLesson(row.QuestionID, lessonID) {
			ids = append(ids, row.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Delete(&model.Answer{}, ids)
	if res.Error != nil {
		return 0, fmt.Errorf("purge lesson %s: %w", lessonID, res.Error)
	}
	return int(res.RowsAffected), nil
}
