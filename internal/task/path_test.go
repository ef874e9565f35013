package task

import (
	"testing"

	"github.com/crewly/crewlyd/internal/apperr"
)

func TestExtractProjectSegment(t *testing.T) {
	segment, err := ExtractProjectSegment("/Users/u/proj/gas-vibe-coder/.crewly/tasks/m0/open/01.md")
	if err != nil {
		t.Fatalf("ExtractProjectSegment: %v", err)
	}
	if segment != "gas-vibe-coder" {
		t.Fatalf("expected project segment gas-vibe-coder, got %q", segment)
	}
}

func TestExtractProjectSegmentMissingMarkerIsValidationError(t *testing.T) {
	_, err := ExtractProjectSegment("/Users/u/proj/tasks/open/task.md")
	if err == nil {
		t.Fatal("expected an error when no .crewly marker is present")
	}
	if !apperr.Is(err, apperr.CodeValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCurrentFolder(t *testing.T) {
	if got := CurrentFolder("/a/b/open/01.md"); got != "open" {
		t.Fatalf("expected open, got %q", got)
	}
}
