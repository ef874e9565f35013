package store

import (
	"time"

	"github.com/crewly/crewlyd/internal/model"
)

// Data is the typed document persisted whole to data.json. It is loaded,
// validated, and rewritten whole on every save — there is no partial write
// path into this file.
type Data struct {
	Projects          []model.Project          `json:"projects"`
	Teams             []model.Team              `json:"teams"`
	Assignments       []model.Assignment        `json:"assignments"`
	Settings          map[string]interface{}     `json:"settings"`
	ScheduledMessages []model.ScheduledMessage  `json:"scheduledMessages"`

	// RecurringChecks and OneTimeChecks are part of the logical document
	// described in §4.A, but are persisted to their own sibling files
	// (recurring-checks.json, one-time-checks.json) per the filesystem
	// layout in §6. They round-trip through Data so validation sees the
	// whole picture, but Store.Save splits them out at write time.
	RecurringChecks []model.ScheduledCheck `json:"recurringChecks"`
	OneTimeChecks   []model.ScheduledCheck `json:"oneTimeChecks"`

	// InProgressTasks is likewise logically part of the tracking state but
	// persisted to its own file (in_progress_tasks.json), owned by the
	// Task Lifecycle Engine.
	InProgressTasks []model.InProgressTaskEntry `json:"inProgressTasks"`
}

// defaultData returns an empty, valid Data document.
func defaultData() *Data {
	return &Data{
		Projects:          []model.Project{},
		Teams:             []model.Team{},
		Assignments:       []model.Assignment{},
		Settings:          map[string]interface{}{},
		ScheduledMessages: []model.ScheduledMessage{},
		RecurringChecks:   []model.ScheduledCheck{},
		OneTimeChecks:     []model.ScheduledCheck{},
		InProgressTasks:   []model.InProgressTaskEntry{},
	}
}

// ActivityEntry is one append-mostly record in activity.json: either a
// DeliveryLog from the schedulers, or a free-form note from the Task
// Lifecycle Engine's recovery pass.
type ActivityEntry struct {
	ID          string             `json:"id"`
	RecordedAt  time.Time          `json:"recordedAt"`
	Kind        string             `json:"kind"` // "delivery" | "note"
	DeliveryLog *model.DeliveryLog `json:"deliveryLog,omitempty"`
	Note        string             `json:"note,omitempty"`
}
