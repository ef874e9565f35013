package validator

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxOutputBytes is the fixed maximum serialized output size (1 MiB),
// overridable via config.LifecycleConfig.MaxOutputBytes.
const DefaultMaxOutputBytes = 1 << 20

// SizeResult is the outcome of validating a value's serialized size.
type SizeResult struct {
	Valid     bool   `json:"valid"`
	SizeBytes int    `json:"sizeBytes"`
	Error     string `json:"error,omitempty"`
}

// ValidateSize rejects values whose serialized size exceeds maxBytes.
func ValidateSize(value interface{}, maxBytes int) SizeResult {
	raw, err := json.Marshal(value)
	if err != nil {
		return SizeResult{Valid: false, Error: fmt.Sprintf("failed to serialize output: %v", err)}
	}
	size := len(raw)
	if size > maxBytes {
		return SizeResult{
			Valid:     false,
			SizeBytes: size,
			Error:     fmt.Sprintf("output size %d bytes exceeds maximum %d bytes", size, maxBytes),
		}
	}
	return SizeResult{Valid: true, SizeBytes: size}
}
