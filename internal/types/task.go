package types

import "time"

// TaskStatus is the control plane's job status. Only the states this worker
// drives are listed; Queued and Canceled belong to the control plane.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "Running"
	TaskStatusSucceeded TaskStatus = "Succeeded"
	TaskStatusFailed    TaskStatus = "Failed"
)

// TaskUpdate is the body of PATCH /Tasks/{id}. Every field is optional so a
// single type covers the Running, progress and terminal patches.
type TaskUpdate struct {
	Status       TaskStatus `json:"status,omitempty"`
	Progress     *int       `json:"progress,omitempty"`
	StartedAt    string     `json:"startedAt,omitempty"`
	CompletedAt  string     `json:"completedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}

// TaskResult is published on the status subject once a task's lifecycle
// scope has closed.
type TaskResult struct {
	TaskID     int        `json:"task_id"`
	RoutingKey string     `json:"routing_key"`
	Status     TaskStatus `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	Duration   float64    `json:"duration"`
	Error      string     `json:"error,omitempty"`
}

// Timestamp formats t the way the control plane expects startedAt and
// completedAt: ISO-8601 in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
