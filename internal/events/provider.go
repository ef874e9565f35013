package events

import (
	"fmt"
	"strings"

	"github.com/crewly/crewlyd/internal/common/config"
	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/events/bus"
)

// ProvidedBus wraps whichever event bus implementation main selected, with
// the concrete type set alongside the interface so callers that need
// NATS-specific or memory-specific behavior (none do today) wouldn't have
// to type-assert.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide opens a NATS bus when cfg.NATS.URL is set, otherwise an in-memory
// bus, and returns a cleanup func that closes whichever one was opened.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: memBus, Memory: memBus}, func() error { return nil }, nil
}
