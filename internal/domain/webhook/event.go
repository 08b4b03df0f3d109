package webhook

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusReplayed   Status = "replayed"
)

var ErrEventNotFound = errors.New("webhook event not found")

// Event is one inbound webhook delivery, keyed by the provider-supplied
// event id (or a hash-derived one when the provider sends none).
type Event struct {
	EventID      string          `json:"eventId"`
	Topic        string          `json:"topic"`
	Status       Status          `json:"status"`
	RawBody      []byte          `json:"-"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Headers      json.RawMessage `json:"headers,omitempty"`
	Signature    *string         `json:"signature,omitempty"`
	SourceIP     *string         `json:"sourceIp,omitempty"`
	UserAgent    *string         `json:"userAgent,omitempty"`
	Attempts     int             `json:"attempts"`
	QueueJobID   *int64          `json:"queueJobId,omitempty"`
	ReplayedFrom *string         `json:"replayedFrom,omitempty"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
}

// Subscription tracks one topic/endpoint pairing with rolling counters.
type Subscription struct {
	ID             int64      `json:"id"`
	Topic          string     `json:"topic"`
	EndpointURL    string     `json:"endpointUrl"`
	Active         bool       `json:"active"`
	ReceivedToday  int64      `json:"receivedToday"`
	ReceivedTotal  int64      `json:"receivedTotal"`
	LastReceivedAt *time.Time `json:"lastReceivedAt,omitempty"`
}
