// Package check implements the Check Scheduler (§4.G): lightweight,
// in-memory timers for the orchestrator runtime's own programmatic
// check-ins, continuation nudges, and adaptive pacing. Recurring and
// one-time checks are additionally persisted so they survive a restart.
package check

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewly/crewlyd/internal/common/appctx"
	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/delivery"
	"github.com/crewly/crewlyd/internal/events"
	"github.com/crewly/crewlyd/internal/model"
	"github.com/crewly/crewlyd/internal/store"
)

// ActivityStatus is the coarse state an ActivityMonitor reports for a
// session, used to clamp the adaptive check-in interval.
type ActivityStatus string

const (
	ActivityIdle       ActivityStatus = "idle"
	ActivityInProgress ActivityStatus = "in_progress"
)

// ActivityMonitor is the external collaborator scheduleAdaptiveCheckin
// consults. A nil monitor (none attached) falls back to the base interval
// unmodified.
type ActivityMonitor interface {
	Status(ctx context.Context, session string) (ActivityStatus, error)
}

// ContinuationEvent is the synthetic event passed to a ContinuationCollaborator.
type ContinuationEvent struct {
	Trigger     string    `json:"trigger"`
	Session     string    `json:"session"`
	AgentID     string    `json:"agentId"`
	ProjectPath string    `json:"projectPath"`
	Timestamp   time.Time `json:"timestamp"`
}

// ContinuationCollaborator handles a fired continuation check. If unset,
// scheduleContinuationCheck falls back to a regular check message.
type ContinuationCollaborator interface {
	Continue(ctx context.Context, event ContinuationEvent) error
}

// Stats summarizes the currently scheduled checks.
type Stats struct {
	Total     int `json:"total"`
	Recurring int `json:"recurring"`
	OneTime   int `json:"oneTime"`
}

type continuationMeta struct {
	AgentID     string
	ProjectPath string
}

// Scheduler owns one timer per scheduled check. Recurring checks re-arm
// only after their current delivery completes (never a fixed-period
// ticker), so a slow delivery cannot overlap with its own next firing.
type Scheduler struct {
	store     *store.Store
	deliverer *delivery.Deliverer
	notifier  *events.Notifier
	log       *logger.Logger
	cfg       config.ChecksConfig

	continuation ContinuationCollaborator
	activity     ActivityMonitor

	mu              sync.Mutex
	timers          map[string]*time.Timer
	continuationFor map[string]continuationMeta

	running bool
	stopCh  chan struct{}
}

// New builds a Check Scheduler. Collaborators may be attached afterward
// with SetContinuationCollaborator/SetActivityMonitor.
func New(st *store.Store, deliverer *delivery.Deliverer, notifier *events.Notifier, log *logger.Logger, cfg config.ChecksConfig) *Scheduler {
	return &Scheduler{
		store:           st,
		deliverer:       deliverer,
		notifier:        notifier,
		log:             log.WithFields(zap.String("component", "check-scheduler")),
		cfg:             cfg,
		timers:          make(map[string]*time.Timer),
		continuationFor: make(map[string]continuationMeta),
	}
}

// SetContinuationCollaborator attaches the external continuation handler.
func (s *Scheduler) SetContinuationCollaborator(c ContinuationCollaborator) { s.continuation = c }

// SetActivityMonitor attaches the external activity-status collaborator.
func (s *Scheduler) SetActivityMonitor(a ActivityMonitor) { s.activity = a }

// Start restores every persisted check and arms its timer. Recurring
// checks restore at now+intervalMinutes (no catch-up); one-shot checks
// restore with their remaining time, or are discarded as stale if
// scheduledFor has already passed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	now := time.Now().UTC()

	for _, c := range s.store.RecurringChecks() {
		delay := time.Duration(intervalMinutes(c)) * time.Minute
		s.arm(ctx, c, delay)
	}

	for _, c := range s.store.OneTimeChecks() {
		remaining := c.ScheduledFor.Sub(now)
		if remaining <= 0 {
			s.log.Info("discarding stale one-shot check on restore", zap.String("checkId", c.ID))
			_ = s.store.DeleteOneTimeCheck(c.ID)
			continue
		}
		s.arm(ctx, c, remaining)
	}

	return nil
}

// Stop cancels every outstanding timer.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.stopCh != nil {
		close(s.stopCh)
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}

func intervalMinutes(c model.ScheduledCheck) int {
	if c.IntervalMinutes != nil {
		return *c.IntervalMinutes
	}
	if c.Recurring != nil {
		return c.Recurring.IntervalMinutes
	}
	return 1
}

// ScheduleCheck installs a one-shot check, persisted to the one-time-checks
// sidecar. On fire, it runs Reliable Delivery, deletes its persisted
// record, and emits check.executed.
func (s *Scheduler) ScheduleCheck(ctx context.Context, session string, minutes int, message string, typ model.CheckType) (model.ScheduledCheck, error) {
	now := time.Now().UTC()
	c := model.ScheduledCheck{
		ID:            uuid.NewString(),
		TargetSession: session,
		Message:       message,
		ScheduledFor:  now.Add(time.Duration(minutes) * time.Minute),
		IsRecurring:   false,
		Type:          typ,
		CreatedAt:     now,
	}
	if err := s.store.UpsertOneTimeCheck(c); err != nil {
		return model.ScheduledCheck{}, err
	}
	s.arm(ctx, c, time.Duration(minutes)*time.Minute)
	return c, nil
}

// ScheduleRecurringCheck installs a recurring check, persisted to the
// recurring-checks sidecar. Timers re-arm only after each delivery
// completes; the check self-cancels once maxOccurrences is reached.
func (s *Scheduler) ScheduleRecurringCheck(ctx context.Context, session string, intervalMinutes int, message string, typ model.CheckType, maxOccurrences *int) (model.ScheduledCheck, error) {
	now := time.Now().UTC()
	interval := intervalMinutes
	c := model.ScheduledCheck{
		ID:            uuid.NewString(),
		TargetSession: session,
		Message:       message,
		ScheduledFor:  now.Add(time.Duration(interval) * time.Minute),
		IntervalMinutes: &interval,
		IsRecurring:   true,
		Type:          typ,
		Recurring: &model.RecurringInfo{
			IntervalMinutes: interval,
			CurrentOccur:    0,
			MaxOccurrences:  maxOccurrences,
		},
		CreatedAt: now,
	}
	if err := s.store.UpsertRecurringCheck(c); err != nil {
		return model.ScheduledCheck{}, err
	}
	s.arm(ctx, c, time.Duration(interval)*time.Minute)
	return c, nil
}

// ScheduleDefaultCheckins installs the standard triple: an initial one-shot
// check-in, a recurring progress check, and a recurring commit reminder.
func (s *Scheduler) ScheduleDefaultCheckins(ctx context.Context, session string) ([]string, error) {
	initial, err := s.ScheduleCheck(ctx, session, s.initialMinutes(), "Initial check-in", model.CheckTypeCheckIn)
	if err != nil {
		return nil, err
	}
	progress, err := s.ScheduleRecurringCheck(ctx, session, s.progressMinutes(), "Progress check", model.CheckTypeProgressCheck, nil)
	if err != nil {
		return nil, err
	}
	commit, err := s.ScheduleRecurringCheck(ctx, session, s.commitMinutes(), "Commit reminder", model.CheckTypeCommitReminder, nil)
	if err != nil {
		return nil, err
	}
	return []string{initial.ID, progress.ID, commit.ID}, nil
}

func (s *Scheduler) initialMinutes() int {
	if s.cfg.InitialCheckInMinutes > 0 {
		return s.cfg.InitialCheckInMinutes
	}
	return 5
}

func (s *Scheduler) progressMinutes() int {
	if s.cfg.ProgressCheckMinutes > 0 {
		return s.cfg.ProgressCheckMinutes
	}
	return 30
}

func (s *Scheduler) commitMinutes() int {
	if s.cfg.CommitReminderMinutes > 0 {
		return s.cfg.CommitReminderMinutes
	}
	return 25
}

// ScheduleContinuationCheck installs a one-shot check whose firing invokes
// the external Continuation collaborator instead of delivering a plain
// message, falling back to a regular check if no collaborator is set.
func (s *Scheduler) ScheduleContinuationCheck(ctx context.Context, session string, delayMinutes int, agentID, projectPath string) (model.ScheduledCheck, error) {
	c, err := s.ScheduleCheck(ctx, session, delayMinutes, "Continuation check-in", model.CheckTypeContinuation)
	if err != nil {
		return model.ScheduledCheck{}, err
	}
	s.mu.Lock()
	s.continuationFor[c.ID] = continuationMeta{AgentID: agentID, ProjectPath: projectPath}
	s.mu.Unlock()
	return c, nil
}

// ScheduleAdaptiveCheckin consults the ActivityMonitor for session's
// current status and installs a one-shot adaptive check at the clamped
// interval. The interval is evaluated once, at scheduling time (spec.md §9
// open question, resolved: no re-evaluation at recurrence).
func (s *Scheduler) ScheduleAdaptiveCheckin(ctx context.Context, session string) (model.ScheduledCheck, error) {
	var status ActivityStatus
	if s.activity != nil {
		if st, err := s.activity.Status(ctx, session); err == nil {
			status = st
		}
	}
	minutes := s.adaptiveInterval(status)
	return s.ScheduleCheck(ctx, session, minutes, "Adaptive check-in", model.CheckTypeAdaptive)
}

func (s *Scheduler) adaptiveInterval(status ActivityStatus) int {
	base := s.cfg.AdaptiveBaseMinutes
	if base <= 0 {
		base = 15
	}
	minMinutes := s.cfg.AdaptiveMinMinutes
	if minMinutes <= 0 {
		minMinutes = 5
	}
	maxMinutes := s.cfg.AdaptiveMaxMinutes
	if maxMinutes <= 0 {
		maxMinutes = 60
	}
	factor := s.cfg.AdaptiveFactor
	if factor <= 0 {
		factor = 2.0
	}

	var raw float64
	switch status {
	case ActivityInProgress:
		raw = float64(base) * factor
	case ActivityIdle:
		raw = float64(base) / factor
	default:
		raw = float64(base)
	}

	clamped := int(raw)
	if clamped < minMinutes {
		clamped = minMinutes
	}
	if clamped > maxMinutes {
		clamped = maxMinutes
	}
	return clamped
}

// CancelCheck stops a check's timer and removes its persisted record,
// whichever sidecar it lives in.
func (s *Scheduler) CancelCheck(id string) error {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.continuationFor, id)
	s.mu.Unlock()

	_ = s.store.DeleteRecurringCheck(id)
	_ = s.store.DeleteOneTimeCheck(id)
	return nil
}

// CancelAllChecksForSession cancels every check targeting a session.
func (s *Scheduler) CancelAllChecksForSession(session string) int {
	cancelled := 0
	for _, c := range s.ListScheduledChecks() {
		if c.TargetSession == session {
			_ = s.CancelCheck(c.ID)
			cancelled++
		}
	}
	return cancelled
}

// ListScheduledChecks returns every currently persisted check, recurring
// and one-time.
func (s *Scheduler) ListScheduledChecks() []model.ScheduledCheck {
	out := append([]model.ScheduledCheck{}, s.store.RecurringChecks()...)
	out = append(out, s.store.OneTimeChecks()...)
	return out
}

// GetChecksForSession filters ListScheduledChecks by target session.
func (s *Scheduler) GetChecksForSession(session string) []model.ScheduledCheck {
	var out []model.ScheduledCheck
	for _, c := range s.ListScheduledChecks() {
		if c.TargetSession == session {
			out = append(out, c)
		}
	}
	return out
}

// GetStats summarizes the currently scheduled checks.
func (s *Scheduler) GetStats() Stats {
	recurring := s.store.RecurringChecks()
	oneTime := s.store.OneTimeChecks()
	return Stats{Total: len(recurring) + len(oneTime), Recurring: len(recurring), OneTime: len(oneTime)}
}

// fireGracePeriod bounds how long a timer fire is allowed to keep running
// past the caller context's cancellation. Stop closes stopCh, which ends
// that fire's context at once regardless of this period.
const fireGracePeriod = 60 * time.Second

func (s *Scheduler) arm(ctx context.Context, c model.ScheduledCheck, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	stopCh := s.stopCh
	if existing, ok := s.timers[c.ID]; ok {
		existing.Stop()
	}
	s.timers[c.ID] = time.AfterFunc(delay, func() {
		fireCtx, cancel := appctx.Detached(ctx, stopCh, fireGracePeriod)
		defer cancel()
		s.fire(fireCtx, c)
	})
	s.mu.Unlock()
}

func (s *Scheduler) fire(ctx context.Context, c model.ScheduledCheck) {
	if c.Type == model.CheckTypeContinuation {
		s.fireContinuation(ctx, c)
		return
	}
	s.fireDelivery(ctx, c)
}

func (s *Scheduler) fireContinuation(ctx context.Context, c model.ScheduledCheck) {
	s.mu.Lock()
	meta := s.continuationFor[c.ID]
	collaborator := s.continuation
	delete(s.continuationFor, c.ID)
	s.mu.Unlock()

	if collaborator != nil {
		event := ContinuationEvent{
			Trigger:     "explicit_request",
			Session:     c.TargetSession,
			AgentID:     meta.AgentID,
			ProjectPath: meta.ProjectPath,
			Timestamp:   time.Now().UTC(),
		}
		err := collaborator.Continue(ctx, event)
		success := err == nil
		var errStr string
		if err != nil {
			errStr = err.Error()
		}
		s.finishOneShot(ctx, c, model.DeliveryLog{
			ID:                 uuid.NewString(),
			ScheduledMessageID: fmt.Sprintf("scheduler-%s", c.ID),
			MessageName:        string(c.Type),
			TargetTeam:         c.TargetSession,
			Message:            c.Message,
			SentAt:             time.Now().UTC(),
			Success:            success,
			Error:              errStr,
		}, success)
		return
	}
	s.fireDelivery(ctx, c)
}

func (s *Scheduler) fireDelivery(ctx context.Context, c model.ScheduledCheck) {
	runtimeType := s.store.RuntimeTypeForSession(c.TargetSession)
	outcome := s.deliverer.Deliver(ctx, c.TargetSession, c.Message, runtimeType)

	logEntry := model.DeliveryLog{
		ID:                 uuid.NewString(),
		ScheduledMessageID: fmt.Sprintf("scheduler-%s", c.ID),
		MessageName:        string(c.Type),
		TargetTeam:         c.TargetSession,
		Message:            c.Message,
		SentAt:             time.Now().UTC(),
		Success:            outcome.Success,
		Error:              outcome.Error,
		Attempts:           outcome.Attempts,
		DurationMillis:     outcome.DurationMillis,
	}

	if c.IsRecurring {
		s.finishRecurring(ctx, c, logEntry)
		return
	}
	s.finishOneShot(ctx, c, logEntry, outcome.Success)
}

// finishOneShot deletes the one-time record and emits check.executed.
// Firing happens regardless of delivery success; a failed delivery is
// still a terminal event for a one-shot check (the scanner, not this
// scheduler, is responsible for stuck-message retries).
func (s *Scheduler) finishOneShot(ctx context.Context, c model.ScheduledCheck, logEntry model.DeliveryLog, success bool) {
	if err := s.store.DeleteOneTimeCheck(c.ID); err != nil {
		s.log.Error("failed to delete fired one-time check", zap.String("checkId", c.ID), zap.Error(err))
	}
	s.mu.Lock()
	delete(s.timers, c.ID)
	s.mu.Unlock()

	s.recordActivity(ctx, c, logEntry, success)
}

// finishRecurring persists the incremented occurrence count and arms the
// next timer only now that delivery has completed, unless maxOccurrences
// has been reached.
func (s *Scheduler) finishRecurring(ctx context.Context, c model.ScheduledCheck, logEntry model.DeliveryLog) {
	defer s.recordActivity(ctx, c, logEntry, logEntry.Success)

	if c.Recurring != nil {
		c.Recurring.CurrentOccur++
		if c.Recurring.MaxOccurrences != nil && c.Recurring.CurrentOccur >= *c.Recurring.MaxOccurrences {
			_ = s.store.DeleteRecurringCheck(c.ID)
			s.mu.Lock()
			delete(s.timers, c.ID)
			s.mu.Unlock()
			return
		}
	}

	c.ScheduledFor = time.Now().UTC().Add(time.Duration(intervalMinutes(c)) * time.Minute)
	if err := s.store.UpsertRecurringCheck(c); err != nil {
		s.log.Error("failed to persist recurring check after fire", zap.String("checkId", c.ID), zap.Error(err))
		return
	}
	s.arm(ctx, c, time.Duration(intervalMinutes(c))*time.Minute)
}

func (s *Scheduler) recordActivity(ctx context.Context, c model.ScheduledCheck, logEntry model.DeliveryLog, success bool) {
	if err := s.store.AppendActivity(ctx, store.ActivityEntry{
		ID:          logEntry.ID,
		RecordedAt:  logEntry.SentAt,
		Kind:        "delivery",
		DeliveryLog: &logEntry,
	}); err != nil {
		s.log.Error("failed to append check activity", zap.String("checkId", c.ID), zap.Error(err))
	}
	s.notifier.CheckExecuted(c, logEntry, success)
}
