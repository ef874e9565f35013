package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, config.StoreConfig{ActivityMaxEntries: 5, BackupEnabled: true}, logger.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestLoadOnMissingFileReturnsDefault(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, config.StoreConfig{}, logger.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	snap := s.Snapshot()
	if len(snap.Projects) != 0 {
		t.Errorf("expected empty projects, got %d", len(snap.Projects))
	}
}

func TestSaveRejectsTeamWithoutOrchestrator(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertTeam(model.Team{
		ID:   "team-1",
		Name: "alpha",
		Members: []model.Member{
			{ID: "m1", Role: "engineer", SessionName: "sess-1"},
		},
	})
	if err == nil {
		t.Fatal("expected validation error for team without orchestrator")
	}
}

func TestSaveWritesBackupBeforeOverwrite(t *testing.T) {
	s := newTestStore(t)

	team := model.Team{
		ID:   "team-1",
		Name: "alpha",
		Members: []model.Member{
			{ID: "m1", Role: model.RoleOrchestrator, SessionName: "sess-1"},
		},
	}
	if err := s.UpsertTeam(team); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.UpsertTeam(team); err != nil {
		t.Fatalf("second save: %v", err)
	}

	backupPath := filepath.Join(s.homeDir, dataFileName+backupSuffix)
	if _, err := readJSONIfExistsCheck(backupPath); err != nil {
		t.Errorf("expected backup file to exist: %v", err)
	}
}

func readJSONIfExistsCheck(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, err
	}
	var v interface{}
	err := readJSONIfExists(path, &v)
	return true, err
}

func TestFindMemberBySessionName(t *testing.T) {
	s := newTestStore(t)
	team := model.Team{
		ID:   "team-1",
		Name: "alpha",
		Members: []model.Member{
			{ID: "m1", Role: model.RoleOrchestrator, SessionName: "sess-1"},
		},
	}
	if err := s.UpsertTeam(team); err != nil {
		t.Fatalf("UpsertTeam: %v", err)
	}

	gotTeam, member, ok := s.FindMemberBySessionName("sess-1")
	if !ok || gotTeam.ID != "team-1" || member.ID != "m1" {
		t.Fatalf("expected to find member, got team=%v member=%v ok=%v", gotTeam, member, ok)
	}

	if _, _, ok := s.FindMemberBySessionName("missing"); ok {
		t.Error("expected no match for unknown session")
	}
}

func TestAppendActivityRingRotates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		entry := ActivityEntry{
			ID:         uuid.NewString(),
			RecordedAt: time.Now(),
			Kind:       "note",
			Note:       "tick",
		}
		if err := s.AppendActivity(ctx, entry); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}

	if got := len(s.Activity()); got != 5 {
		t.Errorf("expected ring capped at 5, got %d", got)
	}
}

func TestUpsertScheduledMessageRejectsUnknownProject(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertScheduledMessage(model.ScheduledMessage{
		ID:            "msg-1",
		Name:          "check-in",
		TargetTeam:    "orchestrator",
		TargetProject: "does-not-exist",
		DelayAmount:   5,
		DelayUnit:     model.DelayUnitMinutes,
		IsActive:      true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	})
	if err == nil {
		t.Fatal("expected validation error for unknown project")
	}
}
