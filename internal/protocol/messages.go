// Package protocol defines the push channel messages exchanged between the
// sync server and its clients. Every message is a JSON object carrying a
// "type" tag; each tag maps to exactly one Go type.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"quiz_sync_backend/internal/model"
)

type Kind string

const (
	KindConnected        Kind = "connected"
	KindPresenceSnapshot Kind = "presence_snapshot"
	KindUserOnline       Kind = "user_online"
	KindUserOffline      Kind = "user_offline"
	KindAnswerSubmitted  Kind = "answer_submitted"
	KindBatchSubmitted   Kind = "batch_submitted"
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindIdentify         Kind = "identify"
	KindHeartbeat        Kind = "heartbeat"
	KindSubscribe        Kind = "subscribe"
	KindSubscribed       Kind = "subscribed"
)

var ErrUnknownKind = errors.New("unknown message type")

// Message 只由本包中的类型实现
type Message interface {
	Kind() Kind
	sealed()
}

type Connected struct {
	Message string `json:"message"`
	Clients int    `json:"clients"`
}

type PresenceSnapshot struct {
	Users     []string `json:"users"`
	Timestamp int64    `json:"timestamp"`
}

type UserOnline struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

type UserOffline struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// AnswerSubmitted carries the written answer and the hashes of the lesson
// and unit it landed in. Unit fields are empty when the question id does
// not resolve to a lesson.
type AnswerSubmitted struct {
	Username          string          `json:"username"`
	QuestionID        string          `json:"question_id"`
	AnswerValue       json.RawMessage `json:"answer_value"`
	Timestamp         int64           `json:"timestamp"`
	UnitID            string          `json:"unitId,omitempty"`
	LessonID          string          `json:"lessonId,omitempty"`
	UnitHash          string          `json:"unitHash,omitempty"`
	LessonHash        string          `json:"lessonHash,omitempty"`
	LessonAnswerCount int             `json:"lessonAnswerCount"`
}

type BatchSubmitted struct {
	Count     int                `json:"count"`
	Timestamp int64              `json:"timestamp"`
	Units     []model.UnitUpdate `json:"units"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

type Identify struct {
	Username string `json:"username"`
}

type Heartbeat struct {
	Username  string `json:"username,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Subscribe struct {
	QuestionID string `json:"questionId"`
}

type Subscribed struct {
	QuestionID string `json:"questionId"`
}

func (Connected) Kind() Kind        { return KindConnected }
func (PresenceSnapshot) Kind() Kind { return KindPresenceSnapshot }
func (UserOnline) Kind() Kind       { return KindUserOnline }
func (UserOffline) Kind() Kind      { return KindUserOffline }
func (AnswerSubmitted) Kind() Kind  { return KindAnswerSubmitted }
func (BatchSubmitted) Kind() Kind   { return KindBatchSubmitted }
func (Ping) Kind() Kind             { return KindPing }
func (Pong) Kind() Kind             { return KindPong }
func (Identify) Kind() Kind         { return KindIdentify }
func (Heartbeat) Kind() Kind        { return KindHeartbeat }
func (Subscribe) Kind() Kind        { return KindSubscribe }
func (Subscribed) Kind() Kind       { return KindSubscribed }

func (Connected) sealed()        {}
func (PresenceSnapshot) sealed() {}
func (UserOnline) sealed()       {}
func (UserOffline) sealed()      {}
func (AnswerSubmitted) sealed()  {}
func (BatchSubmitted) sealed()   {}
func (Ping) sealed()             {}
func (Pong) sealed()             {}
func (Identify) sealed()         {}
func (Heartbeat) sealed()        {}
func (Subscribe) sealed()        {}
func (Subscribed) sealed()       {}

// Encode marshals msg and prepends its type tag.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	tag, _ := json.Marshal(string(msg.Kind()))

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses a tagged message. Unknown tags return ErrUnknownKind.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var msg Message
	var err error
	switch envelope.Type {
	case KindConnected:
		msg, err = decodeAs[Connected](data)
	case KindPresenceSnapshot:
		msg, err = decodeAs[PresenceSnapshot](data)
	case KindUserOnline:
		msg, err = decodeAs[UserOnline](data)
	case KindUserOffline:
		msg, err = decodeAs[UserOffline](data)
	case KindAnswerSubmitted:
		msg, err = decodeAs[AnswerSubmitted](data)
	case KindBatchSubmitted:
		msg, err = decodeAs[BatchSubmitted](data)
	case KindPing:
		msg, err = decodeAs[Ping](data)
	case KindPong:
		msg, err = decodeAs[Pong](data)
	case KindIdentify:
		msg, err = decodeAs[Identify](data)
	case KindHeartbeat:
		msg, err = decodeAs[Heartbeat](data)
	case KindSubscribe:
		msg, err = decodeAs[Subscribe](data)
	case KindSubscribed:
		msg, err = decodeAs[Subscribed](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
