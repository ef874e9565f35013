package task

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTakeNextTaskReturnsLexicographicallyFirst(t *testing.T) {
	dir := t.TempDir()
	writeProjectTask(t, dir, "m0", "open", "02-second.md", sampleTask)
	writeProjectTask(t, dir, "m0", "open", "01-first.md", sampleTask)

	got, err := TakeNextTask(dir, "")
	if err != nil {
		t.Fatalf("TakeNextTask: %v", err)
	}
	if filepath.Base(got) != "01-first.md" {
		t.Fatalf("expected 01-first.md, got %s", filepath.Base(got))
	}
}

func TestTakeNextTaskErrorsWhenNoneOpen(t *testing.T) {
	dir := t.TempDir()
	if _, err := TakeNextTask(dir, "m0"); err == nil {
		t.Fatal("expected an error when there are no open tasks")
	}
}

func TestSyncTaskStatusCounts(t *testing.T) {
	dir := t.TempDir()
	writeProjectTask(t, dir, "m0", "open", "01.md", sampleTask)
	writeProjectTask(t, dir, "m0", "done", "02.md", sampleTask)
	writeProjectTask(t, dir, "m0", "done", "03.md", sampleTask)

	counts, err := SyncTaskStatus(dir, "m0")
	if err != nil {
		t.Fatalf("SyncTaskStatus: %v", err)
	}
	if counts.Open != 1 || counts.Done != 2 || counts.Total != 3 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts.ProgressPct < 66 || counts.ProgressPct > 67 {
		t.Fatalf("unexpected progress percent: %v", counts.ProgressPct)
	}
}

func TestCreateTaskWritesIntoOpen(t *testing.T) {
	dir := t.TempDir()
	path, err := CreateTask(dir, CreateTaskInput{Title: "Add rate limiting", TargetRole: "backend-engineer", DelayMinutes: 30})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if CurrentFolder(path) != "open" {
		t.Fatalf("expected task to land in open, got %q", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	h := ParseHeader(string(content))
	if h.Title != "Add rate limiting" || h.TargetRole != "backend-engineer" || h.EstimatedDelayMinutes != 30 {
		t.Fatalf("unexpected parsed header: %+v", h)
	}
}

func TestCreateTaskWithSessionNameLandsInProgress(t *testing.T) {
	dir := t.TempDir()
	path, err := CreateTask(dir, CreateTaskInput{Title: "Hotfix", TargetRole: "sre", SessionName: "session-1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if CurrentFolder(path) != "in_progress" {
		t.Fatalf("expected task to land in in_progress, got %q", path)
	}
}
