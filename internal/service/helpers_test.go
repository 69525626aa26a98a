package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"quiz_sync_backend/internal/protocol"
	"quiz_sync_backend/internal/synctree"
)

var errStoreDown = errors.New("store down")

// memStore is an in-memory AnswerStore keyed by identity.
type memStore struct {
	mu          sync.Mutex
	rows        map[synctree.Identity]synctree.Record
	err         error
	allCalls    int
	unitCalls   int
	upsertCalls int

	// gate 非空时 SelectAll 先通知 entered，再等待 gate 关闭
	gate    chan struct{}
	entered chan struct{}
}

func newMemStore(records ...synctree.Record) *memStore {
	s := &memStore{rows: map[synctree.Identity]synctree.Record{}}
	for _, rec := range records {
		s.rows[rec.Key()] = rec
	}
	return s
}

func (s *memStore) put(records ...synctree.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.rows[rec.Key()] = rec
	}
}

func (s *memStore) remove(user, qid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, synctree.Identity{Username: user, QuestionID: qid})
}

func (s *memStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *memStore) snapshot() []synctree.Record {
	out := make([]synctree.Record, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	synctree.SortRecords(out)
	return out
}

func (s *memStore) block(gate chan struct{}, entered chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate, s.entered = gate, entered
}

func (s *memStore) SelectAll(ctx context.Context) ([]synctree.Record, error) {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.allCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.snapshot(), nil
}

func (s *memStore) SelectByUnit(ctx context.Context, unitNumber int) ([]synctree.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unitCalls++
	if s.err != nil {
		return nil, s.err
	}
	var out []synctree.Record
	for _, rec := range s.snapshot() {
		if n, ok := unitOf(rec.QuestionID); ok && n == unitNumber {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) SelectByQuestion(ctx context.Context, questionID string) ([]synctree.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []synctree.Record
	for _, rec := range s.snapshot() {
		if rec.QuestionID == questionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) Upsert(ctx context.Context, records []synctree.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.err != nil {
		return s.err
	}
	for _, rec := range records {
		s.rows[rec.Key()] = rec
	}
	return nil
}

func (s *memStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return int64(len(s.rows)), nil
}

func (s *memStore) CountUsers(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	users := map[string]struct{}{}
	for _, rec := range s.rows {
		users[rec.Username] = struct{}{}
	}
	return int64(len(users)), nil
}

func unitOf(qid string) (int, bool) {
	loc, ok := synctree.ParseUnitLesson(qid)
	if !ok {
		return 0, false
	}
	return synctree.UnitNumber(loc.UnitID)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (n *recordingNotifier) Broadcast(msg protocol.Message) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return 3
}

func (n *recordingNotifier) ConnectedClients() int { return 3 }

func (n *recordingNotifier) sent() []protocol.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.Message(nil), n.messages...)
}

func rec(user, qid, value string, ts int64) synctree.Record {
	return synctree.Record{Username: user, QuestionID: qid, AnswerValue: json.RawMessage(value), Timestamp: ts}
}

func raw(user string, qid any, value string, ts any) synctree.RawAnswer {
	return synctree.RawAnswer{Username: user, QuestionID: qid, AnswerValue: json.RawMessage(value), Timestamp: ts}
}

func seedRecords() []synctree.Record {
	return []synctree.Record{
		rec("alice", "U1-L1-Q01", `"A"`, 1000),
		rec("bob", "U1-L1-Q01", `"B"`, 1100),
		rec("alice", "U1-L2-Q01", `"C"`, 1200),
		rec("carol", "U2-L1-Q01", `"A"`, 1300),
		rec("dave", "U2-L1-Q02", `"D"`, 1400),
	}
}
