// Package events provides event types and utilities for the crewlyd event system.
package events

// Event subjects published by the Task Lifecycle Engine (§4.E).
const (
	TaskTransitioned = "task.transitioned"
	TaskRecovered    = "task.recovered"
)

// Event subjects published by the Message Scheduler (§4.F).
const (
	MessageExecuted = "message.executed"
)

// Event subjects published by the Check Scheduler (§4.G).
const (
	CheckExecuted = "check.executed"
)

// TaskTransitionedPayload is the event.Data shape for TaskTransitioned.
type TaskTransitionedPayload struct {
	TaskID string `json:"taskId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// TaskRecoveredPayload is the event.Data shape for TaskRecovered.
type TaskRecoveredPayload struct {
	TaskID string `json:"taskId"`
}
