package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusWorking Status = "working"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

const (
	MinPriority     = 1
	MaxPriority     = 9
	DefaultPriority = 5

	DefaultMaxAttempts = 3

	// Idempotency keys longer than this are rejected at the boundary.
	MaxIdempotencyKeyLen = 128
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrIdempotencyKeyLong = errors.New("idempotency key exceeds 128 characters")
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
)

type Job struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextRunAt      *time.Time      `json:"nextRunAt,omitempty"`
	LastError      *string         `json:"lastError,omitempty"`
	LeaseUntil     *time.Time      `json:"leaseUntil,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeatAt,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type CreateRequest struct {
	Type           string
	Payload        json.RawMessage
	Priority       int
	MaxAttempts    int
	NextRunAt      time.Time
	IdempotencyKey *string
}

// ClampPriority folds any caller value into the 1..9 band, 1 being highest.
func ClampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// DeadLetter mirrors a job whose attempts exceeded the retry budget.
// Immutable until redriven.
type DeadLetter struct {
	JobID          int64           `json:"jobId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	FailureClass   string          `json:"failureClass"`
	Message        string          `json:"message"`
	Attempts       int             `json:"attempts"`
	JobCreatedAt   time.Time       `json:"jobCreatedAt"`
	MovedAt        time.Time       `json:"movedAt"`
}

type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogRecord is an append-only audit row keyed by job id.
type LogRecord struct {
	JobID         int64     `json:"jobId"`
	Level         LogLevel  `json:"level"`
	Message       string    `json:"message"`
	CorrelationID *string   `json:"correlationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
