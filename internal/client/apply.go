package client

import (
	"context"
	"encoding/json"

	"quiz_sync_backend/internal/synctree"
)

// PeerObserver is told about every peer answer that changed local state.
type PeerObserver interface {
	OnPeerAnswer(username string, isCorrect bool)
}

// AnswerChecker grades an answer for PeerObserver.
type AnswerChecker interface {
	IsCorrect(questionID string, value json.RawMessage) bool
}

// applier 把远端作答合并进本地存储，每条生效的作答都通知 observer
type applier struct {
	store    LocalStore
	observer PeerObserver
	checker  AnswerChecker
}

func (a *applier) apply(ctx context.Context, rec synctree.Record) (bool, error) {
	applied, err := a.store.MergeAnswer(ctx, rec)
	if err != nil || !applied {
		return false, err
	}
	if a.observer != nil {
		correct := false
		if a.checker != nil {
			correct = a.checker.IsCorrect(rec.QuestionID, rec.AnswerValue)
		}
		a.observer.OnPeerAnswer(rec.Username, correct)
	}
	return true, nil
}

// applyAll 逐条合并，返回生效条数与见到的最大时间戳
func (a *applier) applyAll(ctx context.Context, records []synctree.Record) (applied int, latest int64, err error) {
	for _, rec := range records {
		if rec.Timestamp > latest {
			latest = rec.Timestamp
		}
		ok, err := a.apply(ctx, rec)
		if err != nil {
			return applied, latest, err
		}
		if ok {
			applied++
		}
	}
	return applied, latest, nil
}
