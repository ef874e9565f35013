// Package delivery implements Reliable Delivery: preflight idle-check,
// two-phase write, progressive verification, and bounded retry against a
// session.Backend, per SPEC_FULL.md §4.D.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/common/stringutil"
	"github.com/crewly/crewlyd/internal/session"
	"github.com/crewly/crewlyd/internal/tracing"
)

const tracerName = "crewlyd/delivery"

// ErrSessionMissing is returned when the target session does not exist.
type ErrSessionMissing struct {
	SessionName string
}

func (e *ErrSessionMissing) Error() string {
	return fmt.Sprintf("session %q does not exist", e.SessionName)
}

// Outcome is the result of one Deliver call.
type Outcome struct {
	Success         bool
	Attempts        int
	PromptBusyAtSend bool
	Error           string
	DurationMillis  int64
}

// Deliverer runs the Reliable Delivery protocol against one backend.
type Deliverer struct {
	backend session.Backend
	cfg     config.DeliveryConfig
	log     *logger.Logger
}

// New builds a Deliverer over a session.Backend.
func New(backend session.Backend, cfg config.DeliveryConfig, log *logger.Logger) *Deliverer {
	return &Deliverer{backend: backend, cfg: cfg, log: log}
}

// Deliver sends payload to sessionName, verifying and retrying per the
// protocol. runtimeType currently only affects logging/trace attributes;
// inter-write delay and verify schedule come from config.
func (d *Deliverer) Deliver(ctx context.Context, sessionName, payload, runtimeType string) Outcome {
	start := time.Now()
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "delivery.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.name", sessionName),
		attribute.String("runtime.type", runtimeType),
	)

	outcome := d.deliver(ctx, sessionName, payload)
	outcome.DurationMillis = time.Since(start).Milliseconds()

	log := d.log.WithSessionName(sessionName)
	if !outcome.Success {
		span.SetStatus(codes.Error, outcome.Error)
		log.Warn("delivery failed", zap.Int("attempts", outcome.Attempts), zap.String("error", outcome.Error))
	} else {
		log.Debug("delivery succeeded", zap.Int("attempts", outcome.Attempts), zap.Int64("durationMillis", outcome.DurationMillis))
	}
	return outcome
}

func (d *Deliverer) deliver(ctx context.Context, sessionName, payload string) Outcome {
	exists, err := d.backend.SessionExists(ctx, sessionName)
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	if !exists {
		return Outcome{Error: (&ErrSessionMissing{SessionName: sessionName}).Error()}
	}

	busyAtSend := d.preflight(ctx, sessionName)

	fingerprint := fingerprintOf(payload, d.cfg.FingerprintPrefixN)

	var lastErr string
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.write(ctx, sessionName, payload, attempt); err != nil {
			lastErr = err.Error()
			continue
		}

		if ok, err := d.verify(ctx, sessionName, fingerprint); err != nil {
			lastErr = err.Error()
		} else if ok {
			return Outcome{Success: true, Attempts: attempt, PromptBusyAtSend: busyAtSend}
		} else {
			lastErr = "delivery fingerprint not observed within verification schedule"
		}
	}

	return Outcome{Success: false, Attempts: d.cfg.MaxAttempts, PromptBusyAtSend: busyAtSend, Error: lastErr}
}

// preflight sleeps in bounded probes until the session reports idle, and
// reports whether it was still busy when the write proceeded anyway.
func (d *Deliverer) preflight(ctx context.Context, sessionName string) bool {
	for probe := 0; probe < d.cfg.MaxPreflightProbes; probe++ {
		idle, err := d.backend.IsPromptIdle(ctx, sessionName)
		if err == nil && idle {
			return false
		}
		if err := sleepCtx(ctx, d.cfg.PreflightBackoff); err != nil {
			return true
		}
	}
	idle, err := d.backend.IsPromptIdle(ctx, sessionName)
	return !(err == nil && idle)
}

// write performs the escalating two-phase write: attempt 1 sends the full
// payload; subsequent attempts first resend the Enter alone, then the
// whole payload, per the step-4 escalation order in §4.D.
func (d *Deliverer) write(ctx context.Context, sessionName, payload string, attempt int) error {
	if attempt == 1 {
		return d.backend.SendPayloadThenEnter(ctx, sessionName, payload, int(d.cfg.InterWriteDelay.Milliseconds()))
	}
	if attempt == 2 {
		return d.backend.Send(ctx, sessionName, []byte("\n"))
	}
	return d.backend.SendPayloadThenEnter(ctx, sessionName, payload, int(d.cfg.InterWriteDelay.Milliseconds()))
}

// verify polls snapshots against the progressive schedule looking for the
// delivery fingerprint.
func (d *Deliverer) verify(ctx context.Context, sessionName, fingerprint string) (bool, error) {
	schedule := d.cfg.VerifySchedule
	if len(schedule) == 0 {
		schedule = config.DefaultVerifySchedule()
	}

	for _, wait := range schedule {
		if err := sleepCtx(ctx, wait); err != nil {
			return false, err
		}
		snap, err := d.backend.Snapshot(ctx, sessionName, 200)
		if err != nil {
			return false, err
		}
		if strings.Contains(snap, fingerprint) {
			return true, nil
		}
	}
	return false, nil
}

// fingerprintOf returns the first n printable characters of payload, the
// default delivery fingerprint when no runtime-specific echo pattern
// applies.
func fingerprintOf(payload string, n int) string {
	if n <= 0 {
		n = 40
	}
	return stringutil.TruncateString(strings.TrimSpace(payload), n)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
