package check

import (
	"context"
	"errors"
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
	notifier := events.NewNotifier(bus.NewMemoryEventBus(logger.Default()), logger.Default(), "check-scheduler-test")

	cfg := config.ChecksConfig{
		InitialCheckInMinutes: 5, ProgressCheckMinutes: 30, CommitReminderMinutes: 25,
		AdaptiveBaseMinutes: 15, AdaptiveMinMinutes: 5, AdaptiveMaxMinutes: 60, AdaptiveFactor: 2.0,
	}
	s := New(st, deliverer, notifier, logger.Default(), cfg)
	return s, st, backend
}

func waitForActivity(t *testing.T, st *store.Store, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.Activity()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d activity entries, got %d", n, len(st.Activity()))
}

func TestScheduleCheckFiresAndDeletesOneTimeRecord(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	backend.CreateSession("sess-1")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	c, err := s.ScheduleCheck(context.Background(), "sess-1", 0, "how's it going", model.CheckTypeCheckIn)
	if err != nil {
		t.Fatalf("ScheduleCheck: %v", err)
	}
	s.arm(context.Background(), c, 5*time.Millisecond)

	waitForActivity(t, st, 1)

	for _, oc := range st.OneTimeChecks() {
		if oc.ID == c.ID {
			t.Fatal("expected fired one-shot check to be deleted")
		}
	}
}

func TestScheduleRecurringCheckReArmsAfterDelivery(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	backend.CreateSession("sess-2")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	max := 2
	c, err := s.ScheduleRecurringCheck(context.Background(), "sess-2", 1, "progress?", model.CheckTypeProgressCheck, &max)
	if err != nil {
		t.Fatalf("ScheduleRecurringCheck: %v", err)
	}
	s.arm(context.Background(), c, 5*time.Millisecond)

	waitForActivity(t, st, 1)

	found := false
	for _, rc := range st.RecurringChecks() {
		if rc.ID == c.ID {
			found = true
			if rc.Recurring.CurrentOccur != 1 {
				t.Fatalf("expected currentOccurrence 1, got %d", rc.Recurring.CurrentOccur)
			}
		}
	}
	if !found {
		t.Fatal("expected recurring check to survive its first occurrence")
	}
}

func TestScheduleRecurringCheckCancelsAtMaxOccurrences(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	backend.CreateSession("sess-3")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	max := 1
	c, err := s.ScheduleRecurringCheck(context.Background(), "sess-3", 1, "last one", model.CheckTypeProgressCheck, &max)
	if err != nil {
		t.Fatalf("ScheduleRecurringCheck: %v", err)
	}
	s.arm(context.Background(), c, 5*time.Millisecond)

	waitForActivity(t, st, 1)
	time.Sleep(50 * time.Millisecond)

	for _, rc := range st.RecurringChecks() {
		if rc.ID == c.ID {
			t.Fatal("expected recurring check to be cancelled after reaching maxOccurrences")
		}
	}
}

func TestScheduleDefaultCheckinsInstallsThree(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ids, err := s.ScheduleDefaultCheckins(context.Background(), "sess-4")
	if err != nil {
		t.Fatalf("ScheduleDefaultCheckins: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
}

type fakeContinuation struct {
	events []ContinuationEvent
	err    error
}

func (f *fakeContinuation) Continue(ctx context.Context, event ContinuationEvent) error {
	f.events = append(f.events, event)
	return f.err
}

func TestScheduleContinuationCheckInvokesCollaborator(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	collab := &fakeContinuation{}
	s.SetContinuationCollaborator(collab)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	c, err := s.ScheduleContinuationCheck(context.Background(), "sess-5", 10, "agent-1", "/proj")
	if err != nil {
		t.Fatalf("ScheduleContinuationCheck: %v", err)
	}
	s.arm(context.Background(), c, 5*time.Millisecond)

	waitForActivity(t, st, 1)

	if len(collab.events) != 1 {
		t.Fatalf("expected 1 continuation event, got %d", len(collab.events))
	}
	if collab.events[0].Trigger != "explicit_request" || collab.events[0].AgentID != "agent-1" {
		t.Fatalf("unexpected continuation event: %+v", collab.events[0])
	}
}

func TestScheduleContinuationCheckFallsBackWithoutCollaborator(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	backend.CreateSession("sess-6")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	c, err := s.ScheduleContinuationCheck(context.Background(), "sess-6", 0, "agent-2", "/proj")
	if err != nil {
		t.Fatalf("ScheduleContinuationCheck: %v", err)
	}
	s.arm(context.Background(), c, 5*time.Millisecond)

	waitForActivity(t, st, 1)

	entries := st.Activity()
	if !entries[0].DeliveryLog.Success {
		t.Fatalf("expected fallback delivery to succeed, got error: %s", entries[0].DeliveryLog.Error)
	}
}

type fakeMonitor struct{ status ActivityStatus }

func (f *fakeMonitor) Status(ctx context.Context, session string) (ActivityStatus, error) {
	return f.status, nil
}

func TestScheduleAdaptiveCheckinClampsBusyInterval(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.SetActivityMonitor(&fakeMonitor{status: ActivityInProgress})

	c, err := s.ScheduleAdaptiveCheckin(context.Background(), "sess-7")
	if err != nil {
		t.Fatalf("ScheduleAdaptiveCheckin: %v", err)
	}
	got := c.ScheduledFor.Sub(c.CreatedAt)
	if got < 29*time.Minute || got > 31*time.Minute {
		t.Fatalf("expected ~30m (base 15 * factor 2), got %s", got)
	}
}

func TestScheduleAdaptiveCheckinClampsIdleInterval(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.SetActivityMonitor(&fakeMonitor{status: ActivityIdle})

	c, err := s.ScheduleAdaptiveCheckin(context.Background(), "sess-8")
	if err != nil {
		t.Fatalf("ScheduleAdaptiveCheckin: %v", err)
	}
	got := c.ScheduledFor.Sub(c.CreatedAt)
	if got < 6*time.Minute || got > 8*time.Minute {
		t.Fatalf("expected ~7.5m clamped above the 5m floor, got %s", got)
	}
}

func TestCancelAllChecksForSession(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	if _, err := s.ScheduleCheck(context.Background(), "sess-9", 10, "a", model.CheckTypeCheckIn); err != nil {
		t.Fatalf("ScheduleCheck: %v", err)
	}
	max := 5
	if _, err := s.ScheduleRecurringCheck(context.Background(), "sess-9", 10, "b", model.CheckTypeProgressCheck, &max); err != nil {
		t.Fatalf("ScheduleRecurringCheck: %v", err)
	}

	cancelled := s.CancelAllChecksForSession("sess-9")
	if cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %d", cancelled)
	}
	if len(s.GetChecksForSession("sess-9")) != 0 {
		t.Fatal("expected no checks remaining for session")
	}
}

// TestRestoreOnStartupDiscardsStaleOneShotAndRestoresRecurring covers
// spec.md §8 scenario 6: a one-shot check whose scheduledFor has already
// passed is discarded rather than fired immediately; a recurring check
// restores at now+intervalMinutes.
func TestRestoreOnStartupDiscardsStaleOneShotAndRestoresRecurring(t *testing.T) {
	s, st, backend := newTestScheduler(t)
	backend.CreateSession("sess-10")

	stale := model.ScheduledCheck{
		ID: "stale-1", TargetSession: "sess-10", Message: "old",
		ScheduledFor: time.Now().UTC().Add(-time.Hour), Type: model.CheckTypeCheckIn,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := st.UpsertOneTimeCheck(stale); err != nil {
		t.Fatalf("UpsertOneTimeCheck: %v", err)
	}

	interval := 30
	recurring := model.ScheduledCheck{
		ID: "recurring-1", TargetSession: "sess-10", Message: "progress",
		IntervalMinutes: &interval, IsRecurring: true, Type: model.CheckTypeProgressCheck,
		Recurring: &model.RecurringInfo{IntervalMinutes: interval},
		CreatedAt: time.Now().UTC(),
	}
	if err := st.UpsertRecurringCheck(recurring); err != nil {
		t.Fatalf("UpsertRecurringCheck: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)

	stillThere := false
	for _, oc := range st.OneTimeChecks() {
		if oc.ID == "stale-1" {
			stillThere = true
		}
	}
	if stillThere {
		t.Fatal("expected stale one-shot check to be discarded on restore")
	}
	if len(st.Activity()) != 0 {
		t.Fatal("expected the stale check to be discarded silently, not fired")
	}

	s.mu.Lock()
	_, armed := s.timers["recurring-1"]
	s.mu.Unlock()
	if !armed {
		t.Fatal("expected recurring check to be re-armed on restore")
	}
}

func TestContinuationCollaboratorFailureIsLoggedAsUnsuccessful(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	collab := &fakeContinuation{err: errors.New("boom")}
	s.SetContinuationCollaborator(collab)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	c, err := s.ScheduleContinuationCheck(context.Background(), "sess-11", 0, "agent-3", "/proj")
	if err != nil {
		t.Fatalf("ScheduleContinuationCheck: %v", err)
	}
	s.arm(context.Background(), c, 5*time.Millisecond)

	waitForActivity(t, st, 1)
	if st.Activity()[0].DeliveryLog.Success {
		t.Fatal("expected continuation failure to be logged as unsuccessful")
	}
}
