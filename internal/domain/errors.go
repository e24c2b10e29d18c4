package domain

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError — временный отказ источника (троттлинг или таймаут).
// Повторяется с бэкоффом внутри адаптера и не поднимается выше лога.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error реализует error.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("источник попросил повтор через %s", e.RetryAfter)
	}
	return "источник ограничил частоту запросов"
}

// FatalError — невосстановимый отказ источника: отозванная авторизация или
// неожиданная схема ответа. Прерывает задачу, чекпоинт не трогается.
type FatalError struct {
	Reason string
	Err    error
}

// Error реализует error.
func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

// Unwrap раскрывает вложенную ошибку.
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal оборачивает ошибку как невосстановимую.
func Fatal(reason string, err error) *FatalError {
	return &FatalError{Reason: reason, Err: err}
}

// IsFatal сообщает, является ли ошибка невосстановимой для задачи.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsRateLimited сообщает, является ли ошибка сигналом троттлинга.
func IsRateLimited(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}
