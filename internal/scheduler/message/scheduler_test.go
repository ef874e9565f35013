package message

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/delivery"
	"github.com/crewly/crewlyd/internal/events"
	"github.com/crewly/crewlyd/internal/events/bus"
	"github.com/crewly/crewlyd/internal/model"
	"github.com/crewly/crewlyd/internal/session/memorybackend"
	"github.com/crewly/crewlyd/internal/store"
)

func testDeliveryConfig() config.DeliveryConfig {
	cfg := config.Default().Delivery
	cfg.PreflightBackoff = time.Millisecond
	cfg.InterWriteDelay = time.Millisecond
	cfg.VerifySchedule = []time.Duration{time.Millisecond, time.Millisecond}
	cfg.FingerprintPrefixN = 10
	return cfg
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *memorybackend.Backend) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "home"), config.StoreConfig{ActivityMaxEntries: 100}, logger.Default())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(st.Close)

	backend := memorybackend.New()
	deliverer := delivery.New(backend, testDeliveryConfig(), logger.Default())
	notifier := events.NewNotifier(bus.NewMemoryEventBus(logger.Default()), logger.Default(), "message-scheduler-test")

	cfg := config.MessagesConfig{InterExecutionQuantum: 40 * time.Millisecond}
	s := New(st, deliverer, notifier, logger.Default(), cfg)
	return s, st, backend
}

func seedOrchestrator(t *testing.T, st *store.Store, teamID, projectID, sessionName string) {
	t.Helper()
	if err := st.UpsertTeam(model.Team{
		ID:   teamID,
		Name: teamID,
		Members: []model.Member{
			{ID: teamID + "-orc", Role: model.RoleOrchestrator, SessionName: sessionName},
		},
	}); err != nil {
		t.Fatalf("UpsertTeam: %v", err)
	}
	if projectID == "" {
		return
	}
	if err := st.UpsertProject(model.Project{ID: projectID, Name: projectID, Path: "/tmp/" + projectID}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if err := st.UpsertAssignment(model.Assignment{ID: projectID + "-assign", ProjectID: projectID, TeamID: teamID}); err != nil {
		t.Fatalf("UpsertAssignment: %v", err)
	}
}

func TestScheduleMessageDeliversByTeamID(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	seedOrchestrator(t, st, "team-1", "", "session-1")
	backend.CreateSession("session-1")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	m, err := s.ScheduleMessage(model.ScheduledMessage{
		Name:        "nudge",
		TargetTeam:  "team-1",
		Message:     "please continue",
		DelayAmount: 1,
		DelayUnit:   model.DelayUnitHours,
	})
	if err != nil {
		t.Fatalf("ScheduleMessage: %v", err)
	}
	s.arm(m, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.Activity()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := st.Activity()
	if len(entries) != 1 {
		t.Fatalf("expected one activity entry, got %d", len(entries))
	}
	if !entries[0].DeliveryLog.Success {
		t.Fatalf("expected successful delivery, got error: %s", entries[0].DeliveryLog.Error)
	}
}

func TestScheduleMessageViaOrchestratorLiteralResolvesProjectTeam(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	seedOrchestrator(t, st, "team-2", "proj-1", "session-2")
	backend.CreateSession("session-2")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	m, err := s.ScheduleMessage(model.ScheduledMessage{
		Name:          "status",
		TargetTeam:    "orchestrator",
		TargetProject: "proj-1",
		Message:       "status please",
		DelayAmount:   1,
		DelayUnit:     model.DelayUnitHours,
	})
	if err != nil {
		t.Fatalf("ScheduleMessage: %v", err)
	}
	s.arm(m, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.Activity()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := st.Activity()
	if len(entries) != 1 || !entries[0].DeliveryLog.Success {
		t.Fatalf("expected one successful delivery, got %+v", entries)
	}
}

// TestSequentialDeliveryHonorsInterExecutionQuantum covers spec.md §8
// scenario 5: two messages firing close together must still be delivered
// one at a time, at least InterExecutionQuantum apart.
func TestSequentialDeliveryHonorsInterExecutionQuantum(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	seedOrchestrator(t, st, "team-3", "", "session-3")
	backend.CreateSession("session-3")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	first, err := s.ScheduleMessage(model.ScheduledMessage{Name: "first", TargetTeam: "team-3", Message: "one", DelayAmount: 1, DelayUnit: model.DelayUnitHours})
	if err != nil {
		t.Fatalf("ScheduleMessage: %v", err)
	}
	second, err := s.ScheduleMessage(model.ScheduledMessage{Name: "second", TargetTeam: "team-3", Message: "two", DelayAmount: 1, DelayUnit: model.DelayUnitHours})
	if err != nil {
		t.Fatalf("ScheduleMessage: %v", err)
	}
	s.arm(first, time.Millisecond)
	s.arm(second, 2*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.Activity()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := st.Activity()
	if len(entries) != 2 {
		t.Fatalf("expected two activity entries, got %d", len(entries))
	}
	gap := entries[1].RecordedAt.Sub(entries[0].RecordedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap < s.cfg.InterExecutionQuantum {
		t.Fatalf("expected at least %s between deliveries, got %s", s.cfg.InterExecutionQuantum, gap)
	}
}

// TestCleanupOrphanedMessagesDeactivatesMissingProject covers spec.md §8
// scenario 4: a scheduled message whose target project has since been
// removed is deactivated and logged as orphaned rather than delivered.
func TestCleanupOrphanedMessagesDeactivatesMissingProject(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	seedOrchestrator(t, st, "team-4", "proj-4", "session-4")

	m, err := s.ScheduleMessage(model.ScheduledMessage{
		Name:          "reminder",
		TargetTeam:    "orchestrator",
		TargetProject: "proj-4",
		Message:       "reminder text",
		DelayAmount:   1,
		DelayUnit:     model.DelayUnitHours,
	})
	if err != nil {
		t.Fatalf("ScheduleMessage: %v", err)
	}

	if err := st.DeleteProject("proj-4"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}

	cleaned := s.CleanupOrphanedMessages(context.Background())
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned message, got %d", cleaned)
	}

	for _, msg := range st.ScheduledMessages() {
		if msg.ID == m.ID && msg.IsActive {
			t.Fatal("expected orphaned message to be deactivated")
		}
	}

	entries := st.Activity()
	if len(entries) != 1 || entries[0].DeliveryLog.Success {
		t.Fatalf("expected one failed orphan activity entry, got %+v", entries)
	}
}

func TestCancelMessageStopsItFromFiring(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	seedOrchestrator(t, st, "team-5", "", "session-5")
	backend.CreateSession("session-5")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	m, err := s.ScheduleMessage(model.ScheduledMessage{Name: "cancel-me", TargetTeam: "team-5", Message: "should not arrive", DelayAmount: 1, DelayUnit: model.DelayUnitHours})
	if err != nil {
		t.Fatalf("ScheduleMessage: %v", err)
	}
	s.arm(m, 200*time.Millisecond)

	if err := s.CancelMessage(m.ID); err != nil {
		t.Fatalf("CancelMessage: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if len(st.Activity()) != 0 {
		t.Fatal("expected cancelled message to never fire")
	}
}
