package task

import (
	"encoding/json"
	"strings"
	"time"
)

// outputSidecar is the `{output, producedAt, sessionName}` document written
// atomically beside a task when it transitions to done with a validated
// structured output (§3 invariants).
type outputSidecar struct {
	Output      interface{} `json:"output"`
	ProducedAt  time.Time   `json:"producedAt"`
	SessionName string      `json:"sessionName"`
}

func writeOutputSidecar(taskPath string, output interface{}, producedAt time.Time, sessionName string) error {
	doc := outputSidecar{Output: output, ProducedAt: producedAt, SessionName: sessionName}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(outputSidecarPath(taskPath), raw)
}

// GetTaskOutput reads and parses a task's <task>.output.json, the
// getTaskOutput operation in the tool contract table (§6).
func GetTaskOutput(taskPath string) (*OutputDocument, error) {
	return ReadOutputSidecar(taskPath)
}

// ReadOutputSidecar reads and parses a task's <task>.output.json.
func ReadOutputSidecar(taskPath string) (*OutputDocument, error) {
	raw, err := readFile(outputSidecarPath(taskPath))
	if err != nil {
		return nil, err
	}
	var doc OutputDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// OutputDocument is the parsed form of a task's output sidecar.
type OutputDocument struct {
	Output      interface{} `json:"output"`
	ProducedAt  time.Time   `json:"producedAt"`
	SessionName string      `json:"sessionName"`
}

// replaceOrAppendRetrySection swaps an existing Retry Info section for a
// freshly rendered one, or appends it if the task has never failed
// validation before.
func replaceOrAppendRetrySection(markdown, renderedSection string) string {
	if HasSection(markdown, sectionRetryInfo) {
		stripped := StripSection(markdown, sectionRetryInfo)
		return AppendSection(stripped, renderedSection)
	}
	return AppendSection(markdown, renderedSection)
}
