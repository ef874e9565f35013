package validator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	outputSchemaHeader = "## Output Schema"
	retryInfoHeader    = "## Output Validation Retry Info"
)

// RetryInfo is the Retry Info structured section rewritten on each failed
// validation.
type RetryInfo struct {
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
	LastErrors    []string  `json:"lastErrors"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
}

// ExtractSchema finds the reserved Output Schema section and parses its
// fenced JSON code block. Returns nil, nil if the section is absent.
// Returns an error if the section appears more than once or its code
// block is malformed.
func ExtractSchema(markdown string) (*Schema, error) {
	raw, err := extractFencedJSON(markdown, outputSchemaHeader)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return ParseSchema(raw)
}

// ExtractRetryInfo finds the reserved Retry Info section and parses its
// fenced JSON code block. Returns nil, nil if the section is absent.
func ExtractRetryInfo(markdown string) (*RetryInfo, error) {
	raw, err := extractFencedJSON(markdown, retryInfoHeader)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var info RetryInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("malformed retry info: %w", err)
	}
	return &info, nil
}

// extractFencedJSON locates the unique line matching header, then the
// first ```json ... ``` fence following it, and returns the fence body.
func extractFencedJSON(markdown, header string) ([]byte, error) {
	lines := strings.Split(markdown, "\n")

	headerIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			if headerIdx != -1 {
				return nil, fmt.Errorf("multiple %q sections found", header)
			}
			headerIdx = i
		}
	}
	if headerIdx == -1 {
		return nil, nil
	}

	fenceStart := -1
	for i := headerIdx + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "```") {
			fenceStart = i
		}
		break
	}
	if fenceStart == -1 {
		return nil, fmt.Errorf("%q section has no fenced code block", header)
	}

	var body []string
	closed := false
	for i := fenceStart + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			closed = true
			break
		}
		body = append(body, lines[i])
	}
	if !closed {
		return nil, fmt.Errorf("%q section's fenced code block is not closed", header)
	}

	return []byte(strings.Join(body, "\n")), nil
}

// RenderSchemaSection produces the canonical markdown for an Output Schema
// section. Idempotent: RenderSchemaSection(ExtractSchema(RenderSchemaSection(s))) == RenderSchemaSection(s).
func RenderSchemaSection(s *Schema) (string, error) {
	raw, err := s.Raw()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n```json\n%s\n```\n", outputSchemaHeader, raw), nil
}

// RenderRetrySection produces the canonical markdown for a Retry Info
// section. Idempotent under the same round-trip law as RenderSchemaSection.
func RenderRetrySection(r *RetryInfo) (string, error) {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n```json\n%s\n```\n", retryInfoHeader, raw), nil
}
