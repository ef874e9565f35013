// Package controller implements the Controller Surface (§4.H): thin,
// transport-neutral handler functions that validate inputs and delegate
// to the Task Lifecycle Engine and the two schedulers, returning a
// structured {success, ...} response instead of throwing.
package controller

import (
	"context"
	"fmt"

	"github.com/crewly/crewlyd/internal/apperr"
	"github.com/crewly/crewlyd/internal/model"
	"github.com/crewly/crewlyd/internal/scheduler/check"
	"github.com/crewly/crewlyd/internal/scheduler/message"
	"github.com/crewly/crewlyd/internal/store"
	"github.com/crewly/crewlyd/internal/task"
)

// Controller is the explicit context object wrapping the core's four
// stateful collaborators, generalizing the teacher's one-service-per-
// controller shape (<domain>/controller holding a single *service.Service)
// to the four subsystems an external caller here needs.
type Controller struct {
	store    *store.Store
	engine   *task.Engine
	messages *message.Scheduler
	checks   *check.Scheduler
}

// New builds a Controller Surface over the already-running core
// components.
func New(st *store.Store, engine *task.Engine, messages *message.Scheduler, checks *check.Scheduler) *Controller {
	return &Controller{store: st, engine: engine, messages: messages, checks: checks}
}

// Result is the uniform response envelope every handler returns. Code is
// empty on success; on failure it carries an apperr taxonomy code, and
// Suggestion carries the human-actionable remedy for a non-transitional
// failure (wrong folder, missing file) so a retrying agent doesn't need
// to parse Error's prose.
type Result struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Code       string      `json:"code,omitempty"`
	Error      string      `json:"error,omitempty"`
	Suggestion string      `json:"suggestion,omitempty"`
}

func ok(data interface{}) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	var appErr *apperr.AppError
	code, message := "", err.Error()
	if ae, isApp := asAppError(err); isApp {
		appErr = ae
		code = appErr.Code
		message = appErr.Message
	}
	return Result{
		Success:    false,
		Code:       code,
		Error:      message,
		Suggestion: suggestionFor(code, appErr),
	}
}

func asAppError(err error) (*apperr.AppError, bool) {
	appErr, ok := err.(*apperr.AppError)
	return appErr, ok
}

// suggestionFor produces the human-actionable remedy the tool contract
// promises for non-transitional failures: wrong folder and not-found
// conditions are the caller's own mistake to correct, not the core's.
func suggestionFor(code string, appErr *apperr.AppError) string {
	switch code {
	case apperr.CodeConflictState:
		if appErr != nil && appErr.CurrentFolder != "" {
			return fmt.Sprintf("the task is currently in /%s/; re-issue this call once it has moved to the expected folder", appErr.CurrentFolder)
		}
		return "the task is not in the expected folder for this transition"
	case apperr.CodeNotFound:
		return "double-check the path or id and retry"
	case apperr.CodeValidationError:
		return "correct the reported field and retry"
	case apperr.CodeSchemaViolation:
		return "fix the reported validation errors and call completeTask again"
	default:
		return ""
	}
}

func requireNonEmpty(field, value string) error {
	if value == "" {
		return apperr.ValidationError(field, "must not be empty")
	}
	return nil
}

// AssignTask implements the assignTask tool operation (§4.E assign).
func (c *Controller) AssignTask(ctx context.Context, taskPath, sessionName string) Result {
	if err := requireNonEmpty("taskPath", taskPath); err != nil {
		return fail(err)
	}
	if err := requireNonEmpty("sessionName", sessionName); err != nil {
		return fail(err)
	}
	entry, err := c.engine.AssignTask(ctx, taskPath, sessionName)
	if err != nil {
		return fail(err)
	}
	return ok(entry)
}

// CompleteTask implements the completeTask tool operation (§4.E complete).
func (c *Controller) CompleteTask(ctx context.Context, taskPath, sessionName string, output interface{}) Result {
	if err := requireNonEmpty("taskPath", taskPath); err != nil {
		return fail(err)
	}
	if err := requireNonEmpty("sessionName", sessionName); err != nil {
		return fail(err)
	}
	result, err := c.engine.CompleteTask(ctx, taskPath, sessionName, output)
	if err != nil {
		return fail(err)
	}
	if !result.Success {
		r := ok(result)
		r.Success = false
		if result.MaxRetriesExceeded {
			r.Suggestion = "retries exhausted; the task has moved to /blocked/ and needs human intervention"
		} else if result.Error != "" {
			r.Suggestion = "provide structured output matching the task's Output Schema and call completeTask again"
		} else {
			r.Suggestion = "fix the reported validation errors and call completeTask again"
		}
		return r
	}
	return ok(result)
}

// BlockTask implements the blockTask tool operation (§4.E block).
func (c *Controller) BlockTask(ctx context.Context, taskPath, blockReason string) Result {
	if err := requireNonEmpty("taskPath", taskPath); err != nil {
		return fail(err)
	}
	if err := c.engine.BlockTask(ctx, taskPath, blockReason); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// UnblockTask implements the unblockTask tool operation (§4.E unblock).
func (c *Controller) UnblockTask(ctx context.Context, taskPath, unblockNote string) Result {
	if err := requireNonEmpty("taskPath", taskPath); err != nil {
		return fail(err)
	}
	if err := c.engine.UnblockTask(ctx, taskPath, unblockNote); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// TakeNextTask implements the takeNextTask tool operation.
func (c *Controller) TakeNextTask(projectPath, taskGroup string) Result {
	if err := requireNonEmpty("projectPath", projectPath); err != nil {
		return fail(err)
	}
	path, err := task.TakeNextTask(projectPath, taskGroup)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"taskPath": path})
}

// SyncTaskStatus implements the syncTaskStatus tool operation.
func (c *Controller) SyncTaskStatus(projectPath, taskGroup string) Result {
	if err := requireNonEmpty("projectPath", projectPath); err != nil {
		return fail(err)
	}
	counts, err := task.SyncTaskStatus(projectPath, taskGroup)
	if err != nil {
		return fail(err)
	}
	return ok(counts)
}

// GetTeamProgress implements the getTeamProgress tool operation.
func (c *Controller) GetTeamProgress(projectPath string) Result {
	if err := requireNonEmpty("projectPath", projectPath); err != nil {
		return fail(err)
	}
	counts, err := task.GetTeamProgress(projectPath)
	if err != nil {
		return fail(err)
	}
	return ok(counts)
}

// CreateTask implements the createTask tool operation.
func (c *Controller) CreateTask(projectPath string, in task.CreateTaskInput) Result {
	if err := requireNonEmpty("projectPath", projectPath); err != nil {
		return fail(err)
	}
	if err := requireNonEmpty("task", in.Title); err != nil {
		return fail(err)
	}
	path, err := task.CreateTask(projectPath, in)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"taskPath": path})
}

// GetTaskOutput implements the getTaskOutput tool operation.
func (c *Controller) GetTaskOutput(taskPath string) Result {
	if err := requireNonEmpty("taskPath", taskPath); err != nil {
		return fail(err)
	}
	doc, err := task.GetTaskOutput(taskPath)
	if err != nil {
		return fail(err)
	}
	return ok(doc)
}

// RecoverAbandonedTasks implements the recoverAbandonedTasks tool
// operation (§4.E recovery). liveSessions is supplied by the caller's own
// team-status collaborator (the session registry, not owned here).
func (c *Controller) RecoverAbandonedTasks(ctx context.Context, liveSessions map[string]bool) Result {
	result := c.engine.RecoverAbandoned(ctx, liveSessions)
	return ok(result)
}

// ScheduleMessage implements the scheduleMessage tool operation (§4.F).
func (c *Controller) ScheduleMessage(m model.ScheduledMessage) Result {
	if err := requireNonEmpty("targetTeam", m.TargetTeam); err != nil {
		return fail(err)
	}
	if err := requireNonEmpty("message", m.Message); err != nil {
		return fail(err)
	}
	scheduled, err := c.messages.ScheduleMessage(m)
	if err != nil {
		return fail(err)
	}
	return ok(scheduled)
}

// CancelMessage implements the cancelMessage tool operation (§4.F).
func (c *Controller) CancelMessage(id string) Result {
	if err := requireNonEmpty("id", id); err != nil {
		return fail(err)
	}
	if err := c.messages.CancelMessage(id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// RescheduleAllMessages implements the rescheduleAllMessages tool
// operation (§4.F).
func (c *Controller) RescheduleAllMessages() Result {
	c.messages.RescheduleAllMessages()
	return ok(nil)
}

// ScheduleCheck implements the scheduleCheck tool operation (§4.G).
func (c *Controller) ScheduleCheck(ctx context.Context, session string, minutes int, msg string, typ model.CheckType) Result {
	if err := requireNonEmpty("session", session); err != nil {
		return fail(err)
	}
	checkRecord, err := c.checks.ScheduleCheck(ctx, session, minutes, msg, typ)
	if err != nil {
		return fail(err)
	}
	return ok(checkRecord)
}

// ScheduleRecurringCheck implements the scheduleRecurringCheck tool
// operation (§4.G).
func (c *Controller) ScheduleRecurringCheck(ctx context.Context, session string, intervalMinutes int, msg string, typ model.CheckType, maxOccurrences *int) Result {
	if err := requireNonEmpty("session", session); err != nil {
		return fail(err)
	}
	checkRecord, err := c.checks.ScheduleRecurringCheck(ctx, session, intervalMinutes, msg, typ, maxOccurrences)
	if err != nil {
		return fail(err)
	}
	return ok(checkRecord)
}

// CancelCheck implements the cancelCheck tool operation (§4.G).
func (c *Controller) CancelCheck(id string) Result {
	if err := requireNonEmpty("id", id); err != nil {
		return fail(err)
	}
	if err := c.checks.CancelCheck(id); err != nil {
		return fail(err)
	}
	return ok(nil)
}
