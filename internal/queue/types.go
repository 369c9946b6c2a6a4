package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transitions happen from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Mode records whether the sender waits for a reply.
type Mode string

const (
	ModeNotify  Mode = "notify"
	ModeRequest Mode = "request"
)

// Message is one row of message_queue.
type Message struct {
	ID          string
	Queue       string
	Method      string
	Args        json.RawMessage
	Mode        Mode
	Status      Status
	SubmittedBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Reply       json.RawMessage
	LastError   *string
}

type EnqueueRequest struct {
	Queue       string
	Method      string
	Args        json.RawMessage
	Mode        Mode
	SubmittedBy string
}

// Completion is the terminal outcome a consumer records for a message.
type Completion struct {
	Status    Status
	Reply     json.RawMessage
	LastError *string
	Stderr    *string
}

var ErrMessageNotFound = errors.New("message not found")
