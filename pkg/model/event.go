package model

import "time"

const (
	EventInstanceCreated    = "instance_created"
	EventInstanceFailed     = "instance_failed"
	EventInstanceTerminated = "instance_terminated"
)

// Event captures a lifecycle change pushed to event subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Instance  Instance  `json:"instance"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
