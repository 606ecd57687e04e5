package schema

import "time"

// Task is the envelope carried by the queue from a trigger to the worker.
// TriggerID identifies the triggering event; redeliveries of the same event
// share it, which lets the worker skip runs that already succeeded.
type Task struct {
	WorkflowID string         `json:"workflowId"`
	Payload    map[string]any `json:"payload,omitempty"`
	TriggerID  string         `json:"triggerId,omitempty"`
}

// ScheduleSlotPrefix prefixes the slot key of every workflow's recurring
// registration.
const ScheduleSlotPrefix = "schedule:"

// ScheduleSlot returns the stable slot key for a workflow's schedule.
func ScheduleSlot(workflowID string) string {
	return ScheduleSlotPrefix + workflowID
}

// Registration is a recurring instruction to enqueue Task on Pattern.
type Registration struct {
	SlotKey   string    `json:"slotKey"`
	Pattern   string    `json:"pattern"`
	Task      Task      `json:"task"`
	NextRunAt time.Time `json:"nextRunAt"`
}
