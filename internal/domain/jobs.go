package domain

import (
	"context"
	"time"
)

// IngestJobCause описывает источник запроса на инжест.
type IngestJobCause string

const (
	// IngestCauseManual — оператор запросил инжест вручную через API.
	IngestCauseManual IngestJobCause = "manual"
	// IngestCauseScheduled — инжест запланирован по расписанию.
	IngestCauseScheduled IngestJobCause = "scheduled"
)

// IngestJob содержит информацию о задаче инжеста одного источника.
type IngestJob struct {
	ID          string         `json:"job_id,omitempty"`
	Platform    Platform       `json:"platform"`
	Source      string         `json:"source"`
	Reset       bool           `json:"reset,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	Cause       IngestJobCause `json:"cause"`
}

// IngestQueue описывает очередь задач инжеста.
type IngestQueue interface {
	Enqueue(ctx context.Context, job IngestJob) error
	Receive(ctx context.Context) (IngestJob, IngestAckFunc, error)
}

// IngestAckFunc подтверждает успешную обработку или возвращает задачу в
// очередь для повторной доставки.
type IngestAckFunc func(success bool) error
