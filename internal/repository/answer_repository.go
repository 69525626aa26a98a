package repository

import (
	"context"
	"fmt"

	"quiz_sync_backend/internal/model"
	"quiz_sync_backend/internal/synctree"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 500

type AnswerRepository struct {
	DB *gorm.DB
}

func NewAnswerRepository(db *gorm.DB) *AnswerRepository {
	return &AnswerRepository{DB: db}
}

func (r *AnswerRepository) SelectAll(ctx context.Context) ([]synctree.Record, error) {
	var rows []model.Answer
	if err := r.DB.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return model.Records(rows), nil
}

// SelectByUnit 返回属于某个单元的全部作答。
// SQL 只做宽松的前缀过滤，最终以 ParseUnitLesson 为准，与全量构建保持一致。
func (r *AnswerRepository) SelectByUnit(ctx context.Context, unitNumber int) ([]synctree.Record, error) {
	var rows []model.Answer
	pattern := fmt.Sprintf("%%u%%%d-l%%", unitNumber)
	err := r.DB.WithContext(ctx).
		Where("LOWER(question_id) LIKE ?", pattern).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	unitID := fmt.Sprintf("unit%d", unitNumber)
	out := make([]synctree.Record, 0, len(rows))
	for _, row := range rows {
		if loc, ok := synctree.ParseUnitLesson(row.QuestionID); ok && loc.UnitID == unitID {
			out = append(out, row.Record())
		}
	}
	return out, nil
}

// SelectSince 返回 timestamp 严格大于 since 的作答，按时间升序
func (r *AnswerRepository) SelectSince(ctx context.Context, since int64) ([]synctree.Record, error) {
	var rows []model.Answer
	err := r.DB.WithContext(ctx).
		Where("timestamp > ?", since).
		Order("timestamp").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return model.Records(rows), nil
}

func (r *AnswerRepository) SelectByQuestion(ctx context.Context, questionID string) ([]synctree.Record, error) {
	var rows []model.Answer
	if err := r.DB.WithContext(ctx).Where("question_id = ?", questionID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return model.Records(rows), nil
}

// Upsert 按 (username, question_id) 插入或覆盖
func (r *AnswerRepository) Upsert(ctx context.Context, records []synctree.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]model.Answer, 0, len(records))
	for _, rec := range records {
		rows = append(rows, model.AnswerFromRecord(rec))
	}
	return r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}, {Name: "question_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"answer_value", "timestamp", "updated_at"}),
		}).
		CreateInBatches(&rows, upsertBatchSize).Error
}

func (r *AnswerRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&model.Answer{}).Count(&n).Error
	return n, err
}

func (r *AnswerRepository) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&model.Answer{}).Distinct("username").Count(&n).Error
	return n, err
}

// Ping 用于健康检查
func (r *AnswerRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
