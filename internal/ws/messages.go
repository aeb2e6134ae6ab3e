package ws

import (
	"time"

	"github.com/steprun/orchestrator/internal/job"
)

type BaseMessage struct {
	Type string `json:"type"`
}

// Client → Orchestrator

// SubscribeMessage narrows the stream to one job; an empty JobID restores
// the full stream.
type SubscribeMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Orchestrator → Client

type AckMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

type JobMessage struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	Job       *job.Job  `json:"job,omitempty"`
	Step      int       `json:"step,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
