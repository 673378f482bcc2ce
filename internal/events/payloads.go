package events

import "time"

// TaskEventPayload is published to Kafka on every task dispatch and every
// terminal run transition, so collaborating systems can follow task
// lifecycles without polling the registry.
type TaskEventPayload struct {
	TaskID      uint      `json:"task_id"`
	UUID        string    `json:"uuid"`
	Name        string    `json:"name"`
	GroupName   string    `json:"group_name"`
	Function    string    `json:"function_ref"`
	Status      string    `json:"status"`
	Worker      string    `json:"worker,omitempty"`
	TimesFailed int       `json:"times_failed,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}
