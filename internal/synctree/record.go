// Package synctree builds the answer -> lesson -> unit hash tree shared by the
// sync server and its clients. Everything here is pure: identical logical
// content always produces identical hashes.
package synctree

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Record is a normalized answer. Identity key is (Username, QuestionID).
type Record struct {
	Username    string          `json:"username"`
	QuestionID  string          `json:"question_id"`
	AnswerValue json.RawMessage `json:"answer_value"`
	Timestamp   int64           `json:"timestamp"`
}

// RawAnswer is an answer as it arrives over the wire, before normalization.
// QuestionID and Timestamp are left untyped because legacy rows carry
// numbers, numeric strings and ISO dates in both places.
type RawAnswer struct {
	Username    string          `json:"username"`
	QuestionID  any             `json:"question_id"`
	AnswerValue json.RawMessage `json:"answer_value"`
	Timestamp   any             `json:"timestamp"`
}

// Location 题目在树中的位置
type Location struct {
	UnitID   string
	LessonID string
}

var (
	questionPattern = regexp.MustCompile(`(?i)U(\d+)-L(\d+)`)
	lessonPattern   = regexp.MustCompile(`(?i)U(\d+)-L`)
	unitPattern     = regexp.MustCompile(`(?i)^unit(\d+)$`)
)

// ParseUnitLesson maps "U3-L7-Q09" to {unit3, U3-L7}.
func ParseUnitLesson(questionID string) (Location, bool) {
	m := questionPattern.FindStringSubmatch(questionID)
	if m == nil {
		return Location{}, false
	}
	unit, err := strconv.Atoi(m[1])
	if err != nil {
		return Location{}, false
	}
	lesson, err := strconv.Atoi(m[2])
	if err != nil {
		return Location{}, false
	}
	return Location{
		UnitID:   "unit" + strconv.Itoa(unit),
		LessonID: "U" + strconv.Itoa(unit) + "-L" + strconv.Itoa(lesson),
	}, true
}

// UnitIDFromLessonID maps "U3-L7" to "unit3".
func UnitIDFromLessonID(lessonID string) (string, bool) {
	m := lessonPattern.FindStringSubmatch(lessonID)
	if m == nil {
		return "", false
	}
	unit, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	return "unit" + strconv.Itoa(unit), true
}

// UnitNumber "unit3" -> 3
func UnitNumber(unitID string) (int, bool) {
	m := unitPattern.FindStringSubmatch(strings.TrimSpace(unitID))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// CanonicalUnitID maps "UNIT03" or " unit3 " to "unit3".
func CanonicalUnitID(unitID string) (string, bool) {
	n, ok := UnitNumber(unitID)
	if !ok {
		return "", false
	}
	return "unit" + strconv.Itoa(n), true
}

// NormalizeTimestamp converts any timestamp representation to epoch
// milliseconds. Unparseable and negative values become 0.
func NormalizeTimestamp(v any) int64 {
	ts := normalizeTimestamp(v)
	if ts < 0 {
		return 0
	}
	return ts
}

func normalizeTimestamp(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case uint32:
		return int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return 0
		}
		return int64(val)
	case float32:
		return truncate(float64(val))
	case float64:
		return truncate(val)
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return truncate(f)
		}
		return 0
	case time.Time:
		if val.IsZero() {
			return 0
		}
		return val.UnixMilli()
	case string:
		return parseTimestampString(val)
	default:
		return 0
	}
}

func parseTimestampString(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return truncate(f)
	}
	if t, err := cast.ToTimeE(s); err == nil && !t.IsZero() {
		return t.UnixMilli()
	}
	return 0
}

func truncate(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0
	}
	return int64(math.Trunc(f))
}

// Normalize validates and normalizes a raw answer. It rejects empty
// usernames and question ids that are not non-empty strings.
func Normalize(raw RawAnswer) (Record, bool) {
	qid, ok := raw.QuestionID.(string)
	if !ok {
		return Record{}, false
	}
	return NormalizeRecord(Record{
		Username:    raw.Username,
		QuestionID:  qid,
		AnswerValue: raw.AnswerValue,
		Timestamp:   NormalizeTimestamp(raw.Timestamp),
	})
}

// NormalizeRecord trims the username, canonicalizes the answer value and
// clamps the timestamp.
func NormalizeRecord(rec Record) (Record, bool) {
	rec.Username = strings.TrimSpace(rec.Username)
	if rec.Username == "" || rec.QuestionID == "" {
		return Record{}, false
	}
	rec.AnswerValue = CanonicalValue(rec.AnswerValue)
	if rec.Timestamp < 0 {
		rec.Timestamp = 0
	}
	return rec, true
}

// Identity is the (username, question) pair a record is stored under.
// At most one record exists per identity.
type Identity struct {
	Username   string
	QuestionID string
}

// Key returns the identity of the record.
func (r Record) Key() Identity {
	return Identity{Username: r.Username, QuestionID: r.QuestionID}
}
