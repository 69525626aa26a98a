package model

import "quiz_sync_backend/internal/synctree"

// 同步协议的 JSON 结构，服务端与客户端共用

// UnitSummary 是整体 manifest 中单元的摘要
type UnitSummary struct {
	Hash        string `json:"hash"`
	LessonCount int    `json:"lessonCount"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Manifest GET /api/sync/manifest
type Manifest struct {
	GeneratedAt int64                  `json:"generatedAt"`
	UnitCount   int                    `json:"unitCount"`
	Units       map[string]UnitSummary `json:"units"`
}

// LessonSummary 是单元 manifest 中课时的摘要
type LessonSummary struct {
	Hash        string `json:"hash"`
	AnswerCount int    `json:"answerCount"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// UnitManifest GET /api/sync/unit/:unitId
type UnitManifest struct {
	UnitID      string                   `json:"unitId"`
	Hash        string                   `json:"hash"`
	Lessons     map[string]LessonSummary `json:"lessons"`
	LessonCount int                      `json:"lessonCount"`
	UpdatedAt   int64                    `json:"updatedAt"`
}

// LessonData GET /api/data/lesson/:lessonId
type LessonData struct {
	UnitID      string            `json:"unitId"`
	LessonID    string            `json:"lessonId"`
	Hash        string            `json:"hash"`
	Answers     []synctree.Record `json:"answers"`
	AnswerCount int               `json:"answerCount"`
	UpdatedAt   int64             `json:"updatedAt"`
}

// ManifestUpdate 单条提交后受影响的哈希
type ManifestUpdate struct {
	UnitID            string `json:"unitId"`
	LessonID          string `json:"lessonId"`
	UnitHash          string `json:"unitHash"`
	LessonHash        string `json:"lessonHash"`
	LessonAnswerCount int    `json:"lessonAnswerCount"`
}

// LessonUpdate 批量提交后单个课时的哈希
type LessonUpdate struct {
	LessonID    string `json:"lessonId"`
	Hash        string `json:"hash"`
	AnswerCount int    `json:"answerCount"`
}

// UnitUpdate 批量提交后单个单元的哈希
type UnitUpdate struct {
	UnitID   string         `json:"unitId"`
	UnitHash string         `json:"unitHash"`
	Lessons  []LessonUpdate `json:"lessons"`
}

// SubmitResult POST /api/submit-answer
type SubmitResult struct {
	Success   bool            `json:"success"`
	Timestamp int64           `json:"timestamp"`
	Broadcast int             `json:"broadcast"`
	Manifest  *ManifestUpdate `json:"manifest"`
}

// BatchRequest POST /api/batch-submit 请求体
type BatchRequest struct {
	Answers []synctree.RawAnswer `json:"answers"`
}

// BatchResult POST /api/batch-submit
type BatchResult struct {
	Success   bool         `json:"success"`
	Count     int          `json:"count"`
	Broadcast int          `json:"broadcast"`
	Units     []UnitUpdate `json:"units"`
}

// PeerData GET /api/peer-data
type PeerData struct {
	Data       []synctree.Record `json:"data"`
	Total      int               `json:"total"`
	Filtered   int               `json:"filtered"`
	Cached     bool              `json:"cached"`
	LastUpdate int64             `json:"lastUpdate"`
}

// QuestionStats GET /api/question-stats/:questionId
type QuestionStats struct {
	QuestionID     string         `json:"questionId"`
	Consensus      *string        `json:"consensus"`
	Distribution   map[string]int `json:"distribution"`
	TotalResponses int            `json:"totalResponses"`
	UniqueUsers    int            `json:"uniqueUsers"`
	Timestamp      int64          `json:"timestamp"`
}

// ServerStats GET /api/stats
type ServerStats struct {
	TotalAnswers     int64   `json:"totalAnswers"`
	UniqueUsers      int64   `json:"uniqueUsers"`
	ConnectedClients int     `json:"connectedClients"`
	CacheStatus      string  `json:"cacheStatus"`
	Uptime           float64 `json:"uptime"`
}
