package task

import (
	"strings"
	"testing"
	"time"
)

const sampleTask = `# Wire up the payments webhook
## Task Information
- **Target Role**: backend-engineer
- **Estimated Delay**: 45 minutes
`

func TestParseHeader(t *testing.T) {
	h := ParseHeader(sampleTask)
	if h.Title != "Wire up the payments webhook" {
		t.Fatalf("unexpected title: %q", h.Title)
	}
	if h.TargetRole != "backend-engineer" {
		t.Fatalf("unexpected target role: %q", h.TargetRole)
	}
	if h.EstimatedDelayMinutes != 45 {
		t.Fatalf("unexpected delay: %d", h.EstimatedDelayMinutes)
	}
}

func TestAppendAndHasSection(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	block := RenderAssignmentBlock("session-1", now)
	withBlock := AppendSection(sampleTask, block)

	if !HasSection(withBlock, "## Assignment Information") {
		t.Fatal("expected Assignment Information section to be present")
	}
	if !strings.Contains(withBlock, "session-1") {
		t.Fatal("expected rendered block to mention the session name")
	}
}

func TestStripSectionRemovesOnlyNamedBlock(t *testing.T) {
	now := time.Now()
	withBlock := AppendSection(sampleTask, RenderAssignmentBlock("session-1", now))
	withBlock = AppendSection(withBlock, RenderBlockBlock("waiting on design", now))

	stripped := StripSection(withBlock, "## Assignment Information")
	if HasSection(stripped, "## Assignment Information") {
		t.Fatal("expected Assignment Information to be removed")
	}
	if !HasSection(stripped, "## Block Information") {
		t.Fatal("expected Block Information to survive stripping a different section")
	}
}
