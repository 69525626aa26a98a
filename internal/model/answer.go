package model

import (
	"encoding/json"
	"time"

	"quiz_sync_backend/internal/synctree"

	"gorm.io/datatypes"
)

// Answer 存储一条学生作答，(username, question_id) 唯一
type Answer struct {
	ID          uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	Username    string         `gorm:"size:191;not null;uniqueIndex:idx_answers_user_question,priority:1" json:"username"`
	QuestionID  string         `gorm:"column:question_id;size:191;not null;uniqueIndex:idx_answers_user_question,priority:2;index" json:"question_id"`
	AnswerValue datatypes.JSON `gorm:"column:answer_value" json:"answer_value"`
	Timestamp   int64          `gorm:"not null;index" json:"timestamp"`
	CreatedAt   time.Time      `json:"-"`
	UpdatedAt   time.Time      `json:"-"`
}

func (Answer) TableName() string {
	return "answers"
}

// Record converts the row into a tree record.
func (a Answer) Record() synctree.Record {
	return synctree.Record{
		Username:    a.Username,
		QuestionID:  a.QuestionID,
		AnswerValue: json.RawMessage(a.AnswerValue),
		Timestamp:   a.Timestamp,
	}
}

// AnswerFromRecord converts a normalized record into a row.
func AnswerFromRecord(r synctree.Record) Answer {
	return Answer{
		Username:    r.Username,
		QuestionID:  r.QuestionID,
		AnswerValue: datatypes.JSON(r.AnswerValue),
		Timestamp:   r.Timestamp,
	}
}

// Records converts rows in bulk.
func Records(rows []Answer) []synctree.Record {
	out := make([]synctree.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Record())
	}
	return out
}
