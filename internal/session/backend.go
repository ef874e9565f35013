// Package session defines the Session Backend Port: the abstract
// capability contract Reliable Delivery needs from whatever runs an
// agent's interactive terminal. Concrete backends (a PTY multiplexer, a
// container pool) are out of scope here; only the contract is specified.
package session

import "context"

// Backend abstracts creating/killing named sessions, writing bytes to
// them, checking existence, and detecting prompt idleness. Implementations
// may suspend the caller (e.g. an inter-write delay); every method must
// honor ctx cancellation.
type Backend interface {
	// SessionExists reports whether a session is currently alive.
	SessionExists(ctx context.Context, name string) (bool, error)

	// Send writes raw bytes to the session.
	Send(ctx context.Context, name string, data []byte) error

	// SendPayloadThenEnter performs the two-phase write Reliable Delivery
	// depends on: the payload is written first, then — after a bounded
	// inter-write delay — a newline is written separately. Several
	// interactive runtimes coalesce fast input and swallow the Enter;
	// separating the two writes is required for reliable acceptance.
	SendPayloadThenEnter(ctx context.Context, name, text string, interWriteDelayMillis int) error

	// Snapshot returns the most recent `lines` lines of terminal output,
	// used for delivery verification.
	Snapshot(ctx context.Context, name string, lines int) (string, error)

	// IsPromptIdle heuristically reports whether the runtime is sitting at
	// a prompt and ready to accept input.
	IsPromptIdle(ctx context.Context, name string) (bool, error)
}
