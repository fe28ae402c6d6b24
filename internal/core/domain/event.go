package domain

import "time"

// JobEventType names a worker notification
type JobEventType string

const (
	EventReceived  JobEventType = "received"
	EventSucceeded JobEventType = "succeeded"
	EventFailed    JobEventType = "failed"
	EventRetrying  JobEventType = "retrying"
	EventStalled   JobEventType = "stalled"
	EventReleased  JobEventType = "released"
)

// JobEvent is sent by the worker pool on its notification channel.
type JobEvent struct {
	Type     JobEventType
	JobID    string
	WorkerID int
	Attempt  int
	Stage    Stage
	Class    ErrorClass
	Error    string
	Result   *IngestionResult
	Duration time.Duration
	At       time.Time
}
