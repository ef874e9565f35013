// Package message implements the Message Scheduler (§4.F): one-shot and
// recurring messages aimed at a team's orchestrator (or the team assigned
// to a project), delivered through Reliable Delivery and serialized behind
// a single execution queue so two messages never land on a session at the
// same instant.
package message

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewly/crewlyd/internal/apperr"
	"github.com/crewly/crewlyd/internal/common/appctx"
	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/delivery"
	"github.com/crewly/crewlyd/internal/events"
	"github.com/crewly/crewlyd/internal/model"
	"github.com/crewly/crewlyd/internal/store"
)

// Scheduler owns one timer per active scheduled message and a single
// worker goroutine draining a FIFO execution queue, mirroring the
// orchestrator scheduler's running/stopCh/wg lifecycle shape.
type Scheduler struct {
	store     *store.Store
	deliverer *delivery.Deliverer
	notifier  *events.Notifier
	log       *logger.Logger
	cfg       config.MessagesConfig

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	queue chan model.ScheduledMessage

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Message Scheduler. Call Start to arm restored timers and
// begin draining the execution queue.
func New(st *store.Store, deliverer *delivery.Deliverer, notifier *events.Notifier, log *logger.Logger, cfg config.MessagesConfig) *Scheduler {
	return &Scheduler{
		store:     st,
		deliverer: deliverer,
		notifier:  notifier,
		log:       log.WithFields(zap.String("component", "message-scheduler")),
		cfg:       cfg,
		timers:    make(map[string]*time.Timer),
		queue:     make(chan model.ScheduledMessage, 256),
	}
}

// Start arms a timer for every active persisted message (restart-restore:
// fires at now+delay, never createdAt+delay, so a daemon that was down
// does not fire a backlog of stale messages the instant it returns) and
// starts the single worker draining the execution queue.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for _, m := range s.store.ScheduledMessages() {
		if m.IsActive {
			s.arm(m, m.Duration())
		}
	}

	s.wg.Add(1)
	go s.worker(ctx)
	return nil
}

// Stop cancels every outstanding timer and waits for the worker to exit.
// With a non-zero InterExecutionQuantum the worker returns after the
// message it is executing, so messages still queued are not executed.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.timerMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timerMu.Unlock()

	close(s.queue)
	s.wg.Wait()
	return nil
}

func (s *Scheduler) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ScheduleMessage persists a new (or replaced) scheduled message and arms
// its timer for Duration() from now.
func (s *Scheduler) ScheduleMessage(m model.ScheduledMessage) (model.ScheduledMessage, error) {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.IsActive = true

	if err := s.store.UpsertScheduledMessage(m); err != nil {
		return model.ScheduledMessage{}, err
	}
	if s.isRunning() {
		s.arm(m, m.Duration())
	}
	return m, nil
}

// CancelMessage disarms a scheduled message's timer and marks it inactive.
// The record itself is kept for history; only IsActive changes.
func (s *Scheduler) CancelMessage(id string) error {
	s.timerMu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.timerMu.Unlock()

	for _, m := range s.store.ScheduledMessages() {
		if m.ID == id {
			m.IsActive = false
			m.UpdatedAt = time.Now().UTC()
			return s.store.UpsertScheduledMessage(m)
		}
	}
	return apperr.NotFound("scheduledMessage", id)
}

// RescheduleAllMessages disarms every timer and re-arms every active
// message at now+delay, used after a Home directory is re-read or a
// config change alters delivery behavior. It is the explicit restart-path
// entry point; Start calls the same restore logic implicitly.
func (s *Scheduler) RescheduleAllMessages() {
	s.timerMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timerMu.Unlock()

	for _, m := range s.store.ScheduledMessages() {
		if m.IsActive {
			s.arm(m, m.Duration())
		}
	}
}

func (s *Scheduler) arm(m model.ScheduledMessage, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if existing, ok := s.timers[m.ID]; ok {
		existing.Stop()
	}
	s.timers[m.ID] = time.AfterFunc(delay, func() {
		s.enqueue(m)
	})
}

func (s *Scheduler) enqueue(m model.ScheduledMessage) {
	if !s.isRunning() {
		return
	}
	select {
	case s.queue <- m:
	default:
		s.log.Warn("message execution queue full, dropping fire", zap.String("messageId", m.ID))
	}
}

// deliveryGracePeriod bounds how long an in-flight delivery is allowed to
// keep running past the caller context's cancellation. Stop closes stopCh,
// which ends that delivery's context at once regardless of this period.
const deliveryGracePeriod = 60 * time.Second

// worker is the single FIFO consumer: messages execute strictly one at a
// time, each followed by at least InterExecutionQuantum before the next,
// so no two deliveries ever race against the same or a different session.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for m := range s.queue {
		execCtx, cancel := appctx.Detached(ctx, s.stopCh, deliveryGracePeriod)
		s.executeMessage(execCtx, m)
		cancel()
		if s.cfg.InterExecutionQuantum > 0 {
			select {
			case <-time.After(s.cfg.InterExecutionQuantum):
			case <-s.stopCh:
				return
			}
		}
	}
}

func (s *Scheduler) executeMessage(ctx context.Context, m model.ScheduledMessage) {
	now := time.Now().UTC()

	sessionName, runtimeType, err := s.resolveTarget(m)
	if err != nil {
		if apperr.Is(err, apperr.CodeOrphaned) {
			s.handleOrphan(ctx, m, now)
			return
		}
		s.writeLog(ctx, m, now, model.DeliveryLog{
			ID:                 uuid.NewString(),
			ScheduledMessageID: m.ID,
			MessageName:        m.Name,
			TargetTeam:         m.TargetTeam,
			TargetProject:      m.TargetProject,
			Message:            m.Message,
			SentAt:             now,
			Success:            false,
			Error:              err.Error(),
		}, false)
		return
	}

	outcome := s.deliverer.Deliver(ctx, sessionName, wrapWithContinuation(m.Message), runtimeType)

	logEntry := model.DeliveryLog{
		ID:                 uuid.NewString(),
		ScheduledMessageID: m.ID,
		MessageName:        m.Name,
		TargetTeam:         m.TargetTeam,
		TargetProject:      m.TargetProject,
		Message:            m.Message,
		SentAt:             now,
		Success:            outcome.Success,
		Error:              outcome.Error,
		Attempts:           outcome.Attempts,
		DurationMillis:     outcome.DurationMillis,
	}
	s.writeLog(ctx, m, now, logEntry, outcome.Success)

	s.reschedule(m, now)
}

// reschedule re-arms a recurring message for another Duration() from now,
// or marks a one-shot message inactive: it has been consumed.
func (s *Scheduler) reschedule(m model.ScheduledMessage, firedAt time.Time) {
	m.LastRun = &firedAt
	m.UpdatedAt = time.Now().UTC()
	if !m.IsRecurring {
		m.IsActive = false
		_ = s.store.UpsertScheduledMessage(m)
		return
	}
	if err := s.store.UpsertScheduledMessage(m); err != nil {
		s.log.Error("failed to persist recurring message after fire", zap.String("messageId", m.ID), zap.Error(err))
		return
	}
	if s.isRunning() {
		s.arm(m, m.Duration())
	}
}

// handleOrphan marks a message whose target project has vanished as
// inactive and records the outcome without attempting delivery.
func (s *Scheduler) handleOrphan(ctx context.Context, m model.ScheduledMessage, at time.Time) {
	m.IsActive = false
	m.UpdatedAt = at
	_ = s.store.UpsertScheduledMessage(m)

	s.writeLog(ctx, m, at, model.DeliveryLog{
		ID:                 uuid.NewString(),
		ScheduledMessageID: m.ID,
		MessageName:        m.Name,
		TargetTeam:         m.TargetTeam,
		TargetProject:      m.TargetProject,
		Message:            m.Message,
		SentAt:             at,
		Success:            false,
		Error:              apperr.Orphaned("scheduledMessage", m.ID).Error(),
	}, false)
}

func (s *Scheduler) writeLog(ctx context.Context, m model.ScheduledMessage, at time.Time, entry model.DeliveryLog, success bool) {
	if err := s.store.AppendActivity(ctx, store.ActivityEntry{
		ID:          entry.ID,
		RecordedAt:  at,
		Kind:        "delivery",
		DeliveryLog: &entry,
	}); err != nil {
		s.log.Error("failed to append delivery activity", zap.String("messageId", m.ID), zap.Error(err))
	}
	s.notifier.MessageExecuted(m, entry, success)
}

const (
	continuationPrologue = "This is a scheduled check-in. Please review the note below, then resume your prior work.\n\n"
	continuationEpilogue = "\n\nAcknowledge this note, then continue exactly where you left off."
)

// wrapWithContinuation adds the fixed prologue/epilogue that asks the
// agent to resume prior work after acknowledging a scheduled message.
func wrapWithContinuation(message string) string {
	return continuationPrologue + message + continuationEpilogue
}

// resolveTarget maps a ScheduledMessage's targetTeam/targetProject to a
// concrete session and its runtime type. targetTeam is either a team id
// directly, or the literal "orchestrator", in which case targetProject's
// currently assigned team is resolved instead.
func (s *Scheduler) resolveTarget(m model.ScheduledMessage) (sessionName, runtimeType string, err error) {
	var team model.Team
	var ok bool

	if m.TargetTeam == "orchestrator" {
		if m.TargetProject == "" {
			return "", "", apperr.ValidationError("targetProject", "required when targetTeam is \"orchestrator\"")
		}
		if _, err := s.store.RequireProject(m.TargetProject); err != nil {
			return "", "", apperr.Orphaned("scheduledMessage", m.ID)
		}
		team, ok = s.store.TeamForProject(m.TargetProject)
		if !ok {
			return "", "", apperr.Orphaned("scheduledMessage", m.ID)
		}
	} else {
		team, ok = s.store.TeamByID(m.TargetTeam)
		if !ok {
			return "", "", apperr.NotFound("team", m.TargetTeam)
		}
	}

	member, ok := store.Orchestrator(team)
	if !ok {
		return "", "", apperr.NotFound("orchestrator", team.ID)
	}

	return member.SessionName, s.store.RuntimeTypeForSession(member.SessionName), nil
}

// CleanupOrphanedMessages scans every active message and deactivates any
// whose targetProject no longer exists, without waiting for its timer to
// fire. Run periodically alongside the Reliable Delivery scanner so stale
// project references don't sit active until their next scheduled tick.
func (s *Scheduler) CleanupOrphanedMessages(ctx context.Context) int {
	cleaned := 0
	now := time.Now().UTC()
	for _, m := range s.store.ScheduledMessages() {
		if !m.IsActive || m.TargetProject == "" {
			continue
		}
		if s.store.ProjectExists(m.TargetProject) {
			continue
		}
		s.timerMu.Lock()
		if t, ok := s.timers[m.ID]; ok {
			t.Stop()
			delete(s.timers, m.ID)
		}
		s.timerMu.Unlock()
		s.handleOrphan(ctx, m, now)
		cleaned++
	}
	return cleaned
}
