package domain

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a scheduled task. Transitions out of a
// terminal status never occur.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	// ErrInvalidSchedule rejects a due instant that is not strictly in the future.
	ErrInvalidSchedule = errors.New("scheduled instant must be in the future")
	// ErrInvalidPattern rejects an unparseable recurrence expression.
	ErrInvalidPattern = errors.New("invalid recurrence pattern")
)

// ScheduledTask is a single future delivery of an opaque payload.
type ScheduledTask struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	// ScheduleID links an occurrence back to the recurring schedule that
	// materialized it; empty for directly submitted tasks.
	ScheduleID string    `json:"schedule_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RecurringSchedule repeatedly delivers the same payload per a cron-like
// pattern. Never deleted, only deactivated.
type RecurringSchedule struct {
	ID          string    `json:"id"`
	Pattern     string    `json:"pattern"`
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	NextRun     time.Time `json:"next_run"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
