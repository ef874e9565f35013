// Package main is the entry point for crewlyd, the control-plane daemon.
// It wires the Persistent Store, Reliable Delivery, Task Lifecycle Engine,
// both schedulers, and the Controller Surface together and keeps them
// running until asked to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/common/stringutil"
	"github.com/crewly/crewlyd/internal/controller"
	"github.com/crewly/crewlyd/internal/delivery"
	"github.com/crewly/crewlyd/internal/events"
	"github.com/crewly/crewlyd/internal/model"
	"github.com/crewly/crewlyd/internal/scheduler/check"
	"github.com/crewly/crewlyd/internal/scheduler/message"
	"github.com/crewly/crewlyd/internal/session"
	"github.com/crewly/crewlyd/internal/session/memorybackend"
	"github.com/crewly/crewlyd/internal/store"
	"github.com/crewly/crewlyd/internal/store/sqlmirror"
	"github.com/crewly/crewlyd/internal/task"
	"github.com/crewly/crewlyd/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting crewlyd", zap.String("home", cfg.Home.Dir))

	tracing.Init(cfg.Home.Dir)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to shut down tracer provider", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	if provided.NATS != nil {
		log.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("using in-memory event bus")
	}
	notifier := events.NewNotifier(provided.Bus, log, "crewlyd")

	st, err := store.New(cfg.Home.Dir, cfg.Store, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if cfg.SQLMirror.Enabled {
		mirror, err := sqlmirror.Open(cfg.SQLMirror)
		if err != nil {
			log.Fatal("failed to open SQL mirror", zap.Error(err))
		}
		st.AttachMirror(mirror)
		log.Info("SQL mirror enabled", zap.String("driver", cfg.SQLMirror.Driver))
	}

	backend := memorybackend.New()
	deliverer := delivery.New(backend, cfg.Delivery, log)

	source := &storeDeliverySource{store: st}
	scanner := delivery.NewScanner(deliverer, source, cfg.Delivery, log)

	engine := task.New(st, notifier, log, cfg.Lifecycle)
	messages := message.New(st, deliverer, notifier, log, cfg.Messages)
	checks := check.New(st, deliverer, notifier, log, cfg.Checks)

	ctl := controller.New(st, engine, messages, checks)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := messages.Start(gctx); err != nil {
			return fmt.Errorf("message scheduler: %w", err)
		}
		<-gctx.Done()
		return messages.Stop()
	})

	group.Go(func() error {
		if err := checks.Start(gctx); err != nil {
			return fmt.Errorf("check scheduler: %w", err)
		}
		<-gctx.Done()
		return checks.Stop()
	})

	group.Go(func() error {
		scanner.Run(gctx)
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(cfg.Delivery.ScannerPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := messages.CleanupOrphanedMessages(gctx); n > 0 {
					log.Info("deactivated orphaned scheduled messages", zap.Int("count", n))
				}
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(cfg.Lifecycle.AbandonThreshold / 2)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				result := ctl.RecoverAbandonedTasks(gctx, liveSessions(gctx, st, backend))
				if r, ok := result.Data.(task.RecoveryResult); ok && r.Recovered > 0 {
					log.Info("recovered abandoned tasks", zap.Int("recovered", r.Recovered))
				}
			}
		}
	})

	log.Info("crewlyd running")
	if err := group.Wait(); err != nil && gctx.Err() == nil {
		log.Error("a supervised component exited with an error", zap.Error(err))
	}

	log.Info("crewlyd stopped")
}

// storeDeliverySource adapts the Persistent Store's activity log into the
// Reliable Delivery scanner's Source port: unsuccessful deliveries recorded
// there are candidates for a redelivery sweep, resolved back to a session
// the same way the Message Scheduler resolves a scheduled message's target.
type storeDeliverySource struct {
	store *store.Store
}

func (a *storeDeliverySource) RecentFailedDeliveries(ctx context.Context, since time.Time) ([]delivery.StuckDelivery, error) {
	var stuck []delivery.StuckDelivery
	for _, entry := range a.store.Activity() {
		if entry.Kind != "delivery" || entry.DeliveryLog == nil || entry.DeliveryLog.Success {
			continue
		}
		if entry.RecordedAt.Before(since) {
			continue
		}
		log := entry.DeliveryLog
		sessionName, runtimeType, ok := a.resolveTarget(log.TargetTeam, log.TargetProject)
		if !ok {
			continue
		}
		stuck = append(stuck, delivery.StuckDelivery{
			SessionName: sessionName,
			Payload:     log.Message,
			RuntimeType: runtimeType,
		})
	}
	return stuck, nil
}

func (a *storeDeliverySource) resolveTarget(targetTeam, targetProject string) (sessionName, runtimeType string, ok bool) {
	var team model.Team
	if targetTeam == "orchestrator" {
		if targetProject == "" {
			return "", "", false
		}
		team, ok = a.store.TeamForProject(targetProject)
	} else {
		team, ok = a.store.TeamByID(targetTeam)
	}
	if !ok {
		return "", "", false
	}
	member, ok := store.Orchestrator(team)
	if !ok {
		return "", "", false
	}
	return member.SessionName, a.store.RuntimeTypeForSession(member.SessionName), true
}

func (a *storeDeliverySource) OnRedeliverResult(ctx context.Context, d delivery.StuckDelivery, outcome delivery.Outcome) {
	_ = a.store.AppendActivity(ctx, store.ActivityEntry{
		ID:         uuid.NewString(),
		RecordedAt: time.Now().UTC(),
		Kind:       "note",
		Note: fmt.Sprintf("stuck-message scanner redelivered to %s: success=%v attempts=%d payload=%q",
			d.SessionName, outcome.Success, outcome.Attempts, stringutil.TruncateStringWithEllipsis(d.Payload, 80)),
	})
}

// liveSessions builds the getTeamStatus collaborator recoverAbandoned needs
// by checking every team member's session against the backend directly,
// since crewlyd owns no separate session registry of its own.
func liveSessions(ctx context.Context, st *store.Store, backend session.Backend) map[string]bool {
	live := make(map[string]bool)
	for _, team := range st.Snapshot().Teams {
		for _, member := range team.Members {
			if member.SessionName == "" {
				continue
			}
			exists, err := backend.SessionExists(ctx, member.SessionName)
			live[member.SessionName] = err == nil && exists
		}
	}
	return live
}
