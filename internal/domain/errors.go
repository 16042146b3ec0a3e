package domain

import "errors"

// Ошибки предметной области. Все слои оборачивают их через %w,
// классификация выполняется только через errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrPayloadTooLarge    = errors.New("payload exceeds upload size limit")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrStorageWrite       = errors.New("storage write failed")
	ErrInvariantViolation = errors.New("quota invariant violation")
	ErrInvalidPath        = errors.New("invalid destination path")
	ErrInvalidInput       = errors.New("invalid input")
	ErrConflict           = errors.New("conflicting state")
)
