package apperr

import (
	"errors"
	"testing"
)

func TestConflictStateCarriesCurrentFolder(t *testing.T) {
	err := ConflictState("in_progress", "task already assigned")
	if CurrentFolder(err) != "in_progress" {
		t.Errorf("expected currentFolder in_progress, got %q", CurrentFolder(err))
	}
	if !Is(err, CodeConflictState) {
		t.Errorf("expected Is to match CodeConflictState")
	}
}

func TestCurrentFolderOnOtherCodes(t *testing.T) {
	err := NotFound("task", "01.md")
	if CurrentFolder(err) != "" {
		t.Errorf("expected empty currentFolder for NotFound, got %q", CurrentFolder(err))
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := StoreError("save", cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to unwrap to cause")
	}
}

func TestDeliveryFailureMessage(t *testing.T) {
	err := DeliveryFailure("team-a-orchestrator", 3, errors.New("timeout"))
	if !Is(err, CodeDeliveryFailure) {
		t.Errorf("expected Is to match CodeDeliveryFailure")
	}
}
