package util

import "errors"

var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidAnswer  = errors.New("invalid answer: username and question_id are required")
	ErrInvalidUnitID  = errors.New("invalid unit id")
	ErrBatchTooLarge  = errors.New("batch exceeds maximum size")
	ErrStoreUnhealthy = errors.New("answer store unavailable")
)
