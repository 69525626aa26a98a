package synctree

import (
	"bytes"
	"cmp"
	"encoding/json"
	"slices"
)

var nullValue = json.RawMessage("null")

// CanonicalValue re-encodes an answer value so that logically equal values
// share one byte form: object keys sorted, whitespace dropped, numbers kept
// verbatim. Empty input becomes null; bytes that are not JSON are kept as a
// JSON string.
func CanonicalValue(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nullValue
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		out, _ := json.Marshal(string(trimmed))
		return out
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nullValue
	}
	return out
}

// CompareRecords orders by username and question id (ordinal), then by
// timestamp.
func CompareRecords(a, b Record) int {
	if c := cmp.Compare(a.Username, b.Username); c != 0 {
		return c
	}
	if c := cmp.Compare(a.QuestionID, b.QuestionID); c != 0 {
		return c
	}
	return cmp.Compare(a.Timestamp, b.Timestamp)
}

// SortRecords 按 CompareRecords 原地稳定排序
func SortRecords(records []Record) {
	slices.SortStableFunc(records, CompareRecords)
}

// Serialize produces the canonical byte form of a record collection. Input
// order does not matter; invalid records are skipped.
func Serialize(records []Record) []byte {
	normalized := make([]Record, 0, len(records))
	for _, rec := range records {
		if n, ok := NormalizeRecord(rec); ok {
			normalized = append(normalized, n)
		}
	}
	SortRecords(normalized)
	out, err := json.Marshal(normalized)
	if err != nil {
		// 字段只有字符串、int64 和已校验的 JSON，不会失败
		panic("synctree: serialize: " + err.Error())
	}
	return out
}

// Canonicalize normalizes raw answers, drops invalid ones and returns the
// records in canonical order. Records sharing an identity keep their input
// order among equal timestamps.
func Canonicalize(raws []RawAnswer) []Record {
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		if rec, ok := Normalize(raw); ok {
			records = append(records, rec)
		}
	}
	SortRecords(records)
	return records
}

// LatestPerIdentity keeps the last record of each identity run in a slice
// sorted by CompareRecords, which is the newest one.
func LatestPerIdentity(sorted []Record) []Record {
	out := sorted[:0:0]
	for i, rec := range sorted {
		if i+1 < len(sorted) && sorted[i+1].Key() == rec.Key() {
			continue
		}
		out = append(out, rec)
	}
	return out
}
