package task

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/crewlyd/internal/apperr"
	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/events"
	"github.com/crewly/crewlyd/internal/model"
	"github.com/crewly/crewlyd/internal/store"
	"github.com/crewly/crewlyd/internal/validator"
)

// Engine implements the folder-based task state machine described in
// SPEC_FULL.md §4.E.
type Engine struct {
	store    *store.Store
	notifier *events.Notifier
	log      *logger.Logger
	cfg      config.LifecycleConfig
}

// New builds a Task Lifecycle Engine over a Store.
func New(st *store.Store, notifier *events.Notifier, log *logger.Logger, cfg config.LifecycleConfig) *Engine {
	return &Engine{store: st, notifier: notifier, log: log, cfg: cfg}
}

// CompleteResult is the structured outcome of CompleteTask.
type CompleteResult struct {
	Success            bool
	Error              string
	MaxRetriesExceeded bool
	RetryCount         int
	MaxRetries         int
}

// RecoveryResult is the outcome of RecoverAbandoned.
type RecoveryResult struct {
	Recovered int
	Skipped   int
	Errors    []string
}

func (e *Engine) resolveProject(taskPath string) (model.Project, error) {
	segment, err := ExtractProjectSegment(taskPath)
	if err != nil {
		return model.Project{}, err
	}
	for _, p := range e.store.Snapshot().Projects {
		if filepath.Base(p.Path) == segment {
			return p, nil
		}
	}
	return model.Project{}, apperr.NotFound("project", segment)
}

// AssignTask transitions a task from open to in_progress, per §4.E.
func (e *Engine) AssignTask(ctx context.Context, taskPath, sessionName string) (model.InProgressTaskEntry, error) {
	if folder := CurrentFolder(taskPath); folder != "open" {
		return model.InProgressTaskEntry{}, apperr.ConflictState(folder, "task must be in /open/ to be assigned")
	}

	project, err := e.resolveProject(taskPath)
	if err != nil {
		return model.InProgressTaskEntry{}, err
	}

	team, member, ok := e.store.FindMemberBySessionName(sessionName)
	if !ok {
		return model.InProgressTaskEntry{}, apperr.NotFound("member", sessionName)
	}

	if _, err := os.Stat(taskPath); err != nil {
		return model.InProgressTaskEntry{}, apperr.NotFound("task", taskPath)
	}

	now := time.Now().UTC()
	entry := model.InProgressTaskEntry{
		ID:               uuid.NewString(),
		ProjectID:        project.ID,
		TeamID:           team.ID,
		TaskFilePath:     targetPath(taskPath, "in_progress"),
		TaskTitle:        ParseHeader(mustRead(taskPath)).Title,
		TargetRole:       member.Role,
		AssigneeMemberID: member.ID,
		SessionName:      sessionName,
		AssignedAt:       now,
		LastHeartbeatAt:  now,
	}

	dest, err := moveTask(taskPath, "in_progress", func(md string) string {
		return AppendSection(md, RenderAssignmentBlock(sessionName, now))
	})
	if err != nil {
		return model.InProgressTaskEntry{}, apperr.StoreError("moveTask", err)
	}
	entry.TaskFilePath = dest

	if err := e.store.UpsertInProgressTask(entry); err != nil {
		return model.InProgressTaskEntry{}, err
	}

	e.notifier.TaskTransitioned(entry.ID, "open", "in_progress")
	return entry, nil
}

// CompleteTask transitions a task from in_progress to done, to a retried
// in_progress, or to blocked, depending on schema presence and output
// validity, per §4.E.
func (e *Engine) CompleteTask(ctx context.Context, taskPath, sessionName string, output interface{}) (CompleteResult, error) {
	if folder := CurrentFolder(taskPath); folder != "in_progress" {
		return CompleteResult{}, apperr.ConflictState(folder, "task must be in /in_progress/ to be completed")
	}

	content := mustRead(taskPath)
	schema, err := validator.ExtractSchema(content)
	if err != nil {
		return CompleteResult{}, apperr.SchemaViolation(err.Error())
	}

	entry, hasEntry := e.store.InProgressTaskByPath(taskPath)

	if schema == nil {
		now := time.Now().UTC()
		if _, err := moveTask(taskPath, "done", func(md string) string {
			return AppendSection(md, RenderCompletionBlock(now, false))
		}); err != nil {
			return CompleteResult{}, apperr.StoreError("moveTask", err)
		}
		if hasEntry {
			_ = e.store.DeleteInProgressTask(entry.ID)
			e.notifier.TaskTransitioned(entry.ID, "in_progress", "done")
		}
		return CompleteResult{Success: true}, nil
	}

	if output == nil {
		return CompleteResult{Success: false, Error: "Task requires structured output but none was provided"}, nil
	}

	maxBytes := e.cfg.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = validator.DefaultMaxOutputBytes
	}
	sizeResult := validator.ValidateSize(output, maxBytes)
	validation := validator.Validate(output, schema)

	if sizeResult.Valid && validation.Valid {
		now := time.Now().UTC()
		if err := writeOutputSidecar(taskPath, output, now, sessionName); err != nil {
			return CompleteResult{}, apperr.StoreError("writeOutputSidecar", err)
		}
		if _, err := moveTask(taskPath, "done", func(md string) string {
			return AppendSection(md, RenderCompletionBlock(now, true))
		}); err != nil {
			return CompleteResult{}, apperr.StoreError("moveTask", err)
		}
		if hasEntry {
			_ = e.store.DeleteInProgressTask(entry.ID)
			e.notifier.TaskTransitioned(entry.ID, "in_progress", "done")
		}
		return CompleteResult{Success: true}, nil
	}

	var errs []string
	errs = append(errs, validation.Errors...)
	if !sizeResult.Valid {
		errs = append(errs, sizeResult.Error)
	}

	retryInfo, err := validator.ExtractRetryInfo(content)
	if err != nil {
		return CompleteResult{}, apperr.SchemaViolation(err.Error())
	}
	maxRetries := 3
	retryCount := 0
	if retryInfo != nil {
		maxRetries = retryInfo.MaxRetries
		retryCount = retryInfo.RetryCount
		// A retry count recorded before the task's latest unblock no longer
		// gates completion.
		if strings.LastIndex(content, sectionUnblockInformation) > strings.LastIndex(content, sectionRetryInfo) {
			retryCount = 0
		}
	}
	retryCount++
	now := time.Now().UTC()

	if retryCount > maxRetries {
		if _, err := moveTask(taskPath, "blocked", func(md string) string {
			return AppendSection(md, RenderOutputValidationFailureBlock(errs, retryCount, maxRetries, now))
		}); err != nil {
			return CompleteResult{}, apperr.StoreError("moveTask", err)
		}
		if hasEntry {
			e.notifier.TaskTransitioned(entry.ID, "in_progress", "blocked")
		}
		return CompleteResult{Success: false, MaxRetriesExceeded: true, RetryCount: retryCount, MaxRetries: maxRetries}, nil
	}

	newRetryInfo := &validator.RetryInfo{
		RetryCount:    retryCount,
		MaxRetries:    maxRetries,
		LastErrors:    errs,
		LastAttemptAt: now,
	}
	rendered, err := validator.RenderRetrySection(newRetryInfo)
	if err != nil {
		return CompleteResult{}, apperr.SchemaViolation(err.Error())
	}
	if err := writeFileAtomic(taskPath, []byte(replaceOrAppendRetrySection(content, rendered))); err != nil {
		return CompleteResult{}, apperr.StoreError("writeFileAtomic", err)
	}

	return CompleteResult{Success: false, RetryCount: retryCount, MaxRetries: maxRetries}, nil
}

// BlockTask transitions a task from in_progress to blocked.
func (e *Engine) BlockTask(ctx context.Context, taskPath, reason string) error {
	if folder := CurrentFolder(taskPath); folder != "in_progress" {
		return apperr.ConflictState(folder, "task must be in /in_progress/ to be blocked")
	}

	entry, hasEntry := e.store.InProgressTaskByPath(taskPath)

	now := time.Now().UTC()
	dest, err := moveTask(taskPath, "blocked", func(md string) string {
		return AppendSection(md, RenderBlockBlock(reason, now))
	})
	if err != nil {
		return apperr.StoreError("moveTask", err)
	}

	if hasEntry {
		entry.TaskFilePath = dest
		if err := e.store.UpsertInProgressTask(entry); err != nil {
			return err
		}
		e.notifier.TaskTransitioned(entry.ID, "in_progress", "blocked")
	}
	return nil
}

// UnblockTask transitions a task from blocked to open. Retry state is
// preserved in history but no longer gates completion (§3 invariants);
// the tracking entry, if any, is removed — the task returns to the
// unassigned open pool.
func (e *Engine) UnblockTask(ctx context.Context, taskPath, note string) error {
	if folder := CurrentFolder(taskPath); folder != "blocked" {
		return apperr.ConflictState(folder, "task must be in /blocked/ to be unblocked")
	}

	now := time.Now().UTC()
	if _, err := moveTask(taskPath, "open", func(md string) string {
		return AppendSection(md, RenderUnblockBlock(note, now))
	}); err != nil {
		return apperr.StoreError("moveTask", err)
	}

	if entry, ok := e.store.InProgressTaskByPath(taskPath); ok {
		_ = e.store.DeleteInProgressTask(entry.ID)
		e.notifier.TaskTransitioned(entry.ID, "blocked", "open")
	}
	return nil
}

// Heartbeat refreshes lastHeartbeatAt for every tracking entry owned by
// sessionName, called by the agent registration collaborator on every
// tool call the session makes.
func (e *Engine) Heartbeat(ctx context.Context, sessionName string) error {
	now := time.Now().UTC()
	for _, entry := range e.store.InProgressTasks() {
		if entry.SessionName == sessionName {
			entry.LastHeartbeatAt = now
			if err := e.store.UpsertInProgressTask(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecoverAbandoned iterates tracking entries and moves any task whose
// owning session is absent from liveSessions, or whose heartbeat is
// older than the abandonment threshold, back to /open/, per §4.E.
func (e *Engine) RecoverAbandoned(ctx context.Context, liveSessions map[string]bool) RecoveryResult {
	result := RecoveryResult{}
	threshold := e.cfg.AbandonThreshold
	now := time.Now().UTC()

	for _, entry := range e.store.InProgressTasks() {
		abandoned := !liveSessions[entry.SessionName] || now.Sub(entry.LastHeartbeatAt) > threshold
		if !abandoned {
			result.Skipped++
			continue
		}

		if err := e.recoverOne(entry); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Recovered++
	}
	return result
}

func (e *Engine) recoverOne(entry model.InProgressTaskEntry) error {
	if _, err := os.Stat(entry.TaskFilePath); err != nil {
		return e.store.DeleteInProgressTask(entry.ID)
	}

	if _, err := moveTask(entry.TaskFilePath, "open", func(md string) string {
		return StripSection(md, sectionAssignmentInformation)
	}); err != nil {
		return apperr.StoreError("moveTask", err)
	}

	if err := e.store.DeleteInProgressTask(entry.ID); err != nil {
		return err
	}
	e.notifier.TaskRecovered(entry.ID)
	return nil
}

func mustRead(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}
