// Package task implements the Task Lifecycle Engine: the folder-based
// state machine, markdown header parsing, and heartbeat-driven
// abandonment recovery described in SPEC_FULL.md §4.E.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	sectionTaskInformation       = "## Task Information"
	sectionRetryInfo             = "## Output Validation Retry Info"
	sectionAssignmentInformation = "## Assignment Information"
	sectionCompletionInformation = "## Completion Information"
	sectionBlockInformation      = "## Block Information"
	sectionUnblockInformation    = "## Unblock Information"
	sectionOutputValidationFail  = "## Output Validation Failure"
)

const isoLayout = time.RFC3339

// Header holds the parsed lead fields of a task markdown file.
type Header struct {
	Title                 string
	TargetRole            string
	EstimatedDelayMinutes int
}

// ParseHeader reads the title and the Task Information block. Both fields
// are optional; zero values are returned when absent.
func ParseHeader(markdown string) Header {
	var h Header
	lines := strings.Split(markdown, "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") && h.Title == "" {
			h.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		}
		if v, ok := fieldValue(trimmed, "Target Role"); ok {
			h.TargetRole = v
		}
		if v, ok := fieldValue(trimmed, "Estimated Delay"); ok {
			minutes := strings.TrimSuffix(strings.TrimSpace(v), " minutes")
			minutes = strings.TrimSuffix(minutes, "minutes")
			if n, err := strconv.Atoi(strings.TrimSpace(minutes)); err == nil {
				h.EstimatedDelayMinutes = n
			}
		}
	}
	return h
}

// fieldValue matches a "- **<label>**: <value>" markdown bullet line.
func fieldValue(line, label string) (string, bool) {
	prefix := fmt.Sprintf("- **%s**:", label)
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
}

// HasSection reports whether markdown already contains the given reserved
// header line.
func HasSection(markdown, header string) bool {
	for _, line := range strings.Split(markdown, "\n") {
		if strings.TrimSpace(line) == header {
			return true
		}
	}
	return false
}

// AppendSection appends a rendered metadata block to the end of markdown,
// separated by a blank line.
func AppendSection(markdown, section string) string {
	markdown = strings.TrimRight(markdown, "\n")
	return markdown + "\n\n" + strings.TrimRight(section, "\n") + "\n"
}

// RenderAssignmentBlock renders the ## Assignment Information block
// written when a task transitions open → in_progress.
func RenderAssignmentBlock(sessionName string, assignedAt time.Time) string {
	return fmt.Sprintf("%s\n- **Assigned to**: %s\n- **Assigned at**: %s\n",
		sectionAssignmentInformation, sessionName, assignedAt.UTC().Format(isoLayout))
}

// RenderCompletionBlock renders the ## Completion Information block
// written when a task transitions in_progress → done.
func RenderCompletionBlock(completedAt time.Time, hasOutput bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", sectionCompletionInformation)
	fmt.Fprintf(&b, "- **Completed at**: %s\n", completedAt.UTC().Format(isoLayout))
	if hasOutput {
		b.WriteString("- **Output**: see sibling .output.json\n")
	}
	return b.String()
}

// RenderBlockBlock renders the ## Block Information block written when a
// task transitions in_progress → blocked.
func RenderBlockBlock(reason string, blockedAt time.Time) string {
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("%s\n- **Reason**: %s\n- **Blocked at**: %s\n",
		sectionBlockInformation, reason, blockedAt.UTC().Format(isoLayout))
}

// RenderUnblockBlock renders the ## Unblock Information block written
// when a task transitions blocked → open.
func RenderUnblockBlock(note string, unblockedAt time.Time) string {
	if note == "" {
		note = "no note given"
	}
	return fmt.Sprintf("%s\n- **Note**: %s\n- **Unblocked at**: %s\n",
		sectionUnblockInformation, note, unblockedAt.UTC().Format(isoLayout))
}

// RenderOutputValidationFailureBlock renders the ## Output Validation
// Failure block written when retryCount exceeds maxRetries and the task
// is forced to blocked.
func RenderOutputValidationFailureBlock(errs []string, retryCount, maxRetries int, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", sectionOutputValidationFail)
	fmt.Fprintf(&b, "- **Retry count**: %d\n", retryCount)
	fmt.Fprintf(&b, "- **Max retries**: %d\n", maxRetries)
	fmt.Fprintf(&b, "- **Failed at**: %s\n", at.UTC().Format(isoLayout))
	for _, e := range errs {
		fmt.Fprintf(&b, "- **Error**: %s\n", e)
	}
	return b.String()
}

// StripSection removes the first occurrence of a named section (header
// line through the next header or end of document), used when recovering
// an abandoned task back to open (the Assignment Information block no
// longer applies).
func StripSection(markdown, header string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))

	inSection := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == header {
			inSection = true
			continue
		}
		if inSection && strings.HasPrefix(trimmed, "## ") {
			inSection = false
		}
		if inSection {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"
}
