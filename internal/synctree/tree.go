package synctree

import (
	"encoding/json"
	"slices"
)

// Lesson is the deduplicated, sorted answer set of one lesson.
type Lesson struct {
	Hash        string
	Answers     []Record
	AnswerCount int
	LastUpdated int64
}

// Unit groups the lessons of one unit under a roll-up hash.
type Unit struct {
	Hash        string
	Lessons     map[string]*Lesson
	LastUpdated int64
}

// Tree is the full unit -> lesson hierarchy.
type Tree struct {
	Units map[string]*Unit
}

type lessonRef struct {
	LessonID string `json:"lessonId"`
	Hash     string `json:"hash"`
}

// LessonHash 课时作答的指纹
func LessonHash(records []Record) string {
	return Digest(Serialize(records))
}

// UnitHash fingerprints a unit from its lesson ids and lesson hashes.
func UnitHash(lessons map[string]*Lesson) string {
	ids := make([]string, 0, len(lessons))
	for id := range lessons {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	refs := make([]lessonRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, lessonRef{LessonID: id, Hash: lessons[id].Hash})
	}
	out, _ := json.Marshal(refs)
	return Digest(out)
}

// Build groups records by unit and lesson, keeps the latest answer per
// (username, question) and hashes every lesson and unit. Records whose
// question id cannot be placed or whose username is blank are dropped.
// Among equal timestamps the record seen last wins.
func Build(records []Record, builtAt int64) *Tree {
	type bucket map[Identity]Record
	units := make(map[string]map[string]bucket)

	for _, raw := range records {
		loc, ok := ParseUnitLesson(raw.QuestionID)
		if !ok {
			continue
		}
		rec, ok := NormalizeRecord(raw)
		if !ok {
			continue
		}
		lessons, ok := units[loc.UnitID]
		if !ok {
			lessons = make(map[string]bucket)
			units[loc.UnitID] = lessons
		}
		answers, ok := lessons[loc.LessonID]
		if !ok {
			answers = make(bucket)
			lessons[loc.LessonID] = answers
		}
		key := rec.Key()
		if existing, found := answers[key]; !found || rec.Timestamp >= existing.Timestamp {
			answers[key] = rec
		}
	}

	tree := &Tree{Units: make(map[string]*Unit, len(units))}
	for unitID, lessonBuckets := range units {
		unit := &Unit{
			Lessons:     make(map[string]*Lesson, len(lessonBuckets)),
			LastUpdated: builtAt,
		}
		for lessonID, answers := range lessonBuckets {
			sorted := make([]Record, 0, len(answers))
			for _, rec := range answers {
				sorted = append(sorted, rec)
			}
			SortRecords(sorted)
			unit.Lessons[lessonID] = &Lesson{
				Hash:        LessonHash(sorted),
				Answers:     sorted,
				AnswerCount: len(sorted),
				LastUpdated: builtAt,
			}
		}
		unit.Hash = UnitHash(unit.Lessons)
		tree.Units[unitID] = unit
	}
	return tree
}

// Lesson 在整棵树中查找课时
func (t *Tree) Lesson(lessonID string) (*Lesson, string, bool) {
	if t == nil {
		return nil, "", false
	}
	if unitID, ok := UnitIDFromLessonID(lessonID); ok {
		if unit, ok := t.Units[unitID]; ok {
			if lesson, ok := unit.Lessons[lessonID]; ok {
				return lesson, unitID, true
			}
		}
	}
	return nil, "", false
}
