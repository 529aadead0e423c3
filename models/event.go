package models

import (
	"math"
	"time"
)

// EventType identifies a progress event on a job's live stream.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventStarted       EventType = "started"
	EventStepStarted   EventType = "step_started"
	EventProgress      EventType = "progress"
	EventStepCompleted EventType = "step_completed"
	EventError         EventType = "error"
	EventCancelled     EventType = "cancelled"
	EventCompleted     EventType = "completed"
	EventStreamEnd     EventType = "stream_end"
)

// TerminalEvent reports whether the event type ends the live stream.
func TerminalEvent(t EventType) bool {
	return t == EventCompleted || t == EventError || t == EventCancelled
}

// ProgressEvent is a single update on a job's progress stream. Events are
// ephemeral: they live in the broadcaster's ring buffer only, never in the
// checkpoint store.
type ProgressEvent struct {
	JobID              string         `json:"job_id"`
	Type               EventType      `json:"type"`
	Message            string         `json:"message"`
	Timestamp          time.Time      `json:"timestamp"`
	Step               string         `json:"step,omitempty"`
	StepIndex          *int           `json:"step_index,omitempty"`
	TotalSteps         *int           `json:"total_steps,omitempty"`
	ProgressPercentage *float64       `json:"progress_percentage,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
}

// Percentage computes step_index/total_steps as a percentage rounded to one
// decimal, or nil when either operand is unknown.
func Percentage(stepIndex, totalSteps *int) *float64 {
	if stepIndex == nil || totalSteps == nil || *totalSteps <= 0 {
		return nil
	}
	p := math.Round(float64(*stepIndex)/float64(*totalSteps)*1000) / 10
	return &p
}

// IntPtr is a convenience for the optional step index fields.
func IntPtr(v int) *int {
	return &v
}
