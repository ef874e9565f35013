// Package main is crewlyctl, a thin local operator CLI. It opens the same
// `.crewly` home directory as a running crewlyd and talks to the in-process
// Go API directly — there is no network call here, since the transport
// layer is out of scope for the core.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/delivery"
	"github.com/crewly/crewlyd/internal/events"
	"github.com/crewly/crewlyd/internal/events/bus"
	"github.com/crewly/crewlyd/internal/scheduler/message"
	"github.com/crewly/crewlyd/internal/session/memorybackend"
	"github.com/crewly/crewlyd/internal/store"
	"github.com/crewly/crewlyd/internal/task"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.Default()

	st, err := store.New(cfg.Home.Dir, cfg.Store, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store at %s: %v\n", cfg.Home.Dir, err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()

	switch os.Args[1] {
	case "recover":
		runRecover(ctx, st, cfg)
	case "schedules":
		runSchedules(st)
	case "backup":
		runBackup(st)
	case "cancel-message":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		runCancelMessage(st, cfg, os.Args[2])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `crewlyctl — local operator CLI for crewlyd

Usage:
  crewlyctl recover                  recover abandoned in-progress tasks
  crewlyctl schedules                list scheduled messages and checks
  crewlyctl backup                   force a store backup
  crewlyctl cancel-message <id>       cancel a scheduled message`)
}

// runRecover mirrors cmd/crewlyd's own periodic pass, but invoked once,
// on demand. Since crewlyctl is a separate process it has no view of which
// sessions are actually alive beyond a fresh in-memory backend, so every
// tracked entry older than the abandon threshold is treated as abandoned.
func runRecover(ctx context.Context, st *store.Store, cfg *config.Config) {
	notifier := events.NewNotifier(bus.NewMemoryEventBus(logger.Default()), logger.Default(), "crewlyctl")
	engine := task.New(st, notifier, logger.Default(), cfg.Lifecycle)

	live := make(map[string]bool)
	for _, entry := range st.InProgressTasks() {
		live[entry.SessionName] = true
	}
	result := engine.RecoverAbandoned(ctx, live)
	printJSON(result)
}

func runSchedules(st *store.Store) {
	out := struct {
		Messages        interface{} `json:"messages"`
		RecurringChecks interface{} `json:"recurringChecks"`
		OneTimeChecks   interface{} `json:"oneTimeChecks"`
	}{
		Messages:        st.ScheduledMessages(),
		RecurringChecks: st.RecurringChecks(),
		OneTimeChecks:   st.OneTimeChecks(),
	}
	printJSON(out)
}

func runBackup(st *store.Store) {
	if err := st.Save(func(d *store.Data) error { return nil }); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("backup written")
}

// runCancelMessage marks a scheduled message inactive without starting the
// scheduler's timers or worker — a bare scheduler over the same store is
// enough since CancelMessage only needs to persist IsActive=false.
func runCancelMessage(st *store.Store, cfg *config.Config, id string) {
	notifier := events.NewNotifier(bus.NewMemoryEventBus(logger.Default()), logger.Default(), "crewlyctl")
	deliverer := delivery.New(memorybackend.New(), cfg.Delivery, logger.Default())
	scheduler := message.New(st, deliverer, notifier, logger.Default(), cfg.Messages)

	if err := scheduler.CancelMessage(id); err != nil {
		fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("cancelled")
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

