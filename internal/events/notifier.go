package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crewly/crewlyd/internal/common/logger"
	"github.com/crewly/crewlyd/internal/events/bus"
)

// Notifier is the ambient "Event Notifier" used internally by the Task
// Lifecycle Engine and the two schedulers to publish fire-and-forget
// notifications. It is not one of the hard subsystems named in the system
// overview — it exists so an external transport can observe state changes
// without polling the store.
type Notifier struct {
	bus    bus.EventBus
	log    *logger.Logger
	source string
}

// NewNotifier wraps an event bus for publishing typed domain events.
func NewNotifier(b bus.EventBus, log *logger.Logger, source string) *Notifier {
	return &Notifier{bus: b, log: log, source: source}
}

// publish fires an event and logs (never returns or blocks the caller on)
// a publish failure — notifications are best-effort by design.
func (n *Notifier) publish(subject string, data map[string]interface{}) {
	if n == nil || n.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, n.source, data)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.bus.Publish(ctx, subject, ev); err != nil {
		n.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// TaskTransitioned publishes task.transitioned after a successful folder move.
func (n *Notifier) TaskTransitioned(taskID, from, to string) {
	n.publish(TaskTransitioned, map[string]interface{}{
		"taskId": taskID,
		"from":   from,
		"to":     to,
	})
}

// TaskRecovered publishes task.recovered after abandonment recovery moves a
// task back to open.
func (n *Notifier) TaskRecovered(taskID string) {
	n.publish(TaskRecovered, map[string]interface{}{
		"taskId": taskID,
	})
}

// MessageExecuted publishes message.executed after executeMessage completes.
func (n *Notifier) MessageExecuted(message interface{}, deliveryLog interface{}, success bool) {
	n.publish(MessageExecuted, map[string]interface{}{
		"message": message,
		"log":     deliveryLog,
		"success": success,
	})
}

// CheckExecuted publishes check.executed after a scheduled check fires.
func (n *Notifier) CheckExecuted(check interface{}, deliveryLog interface{}, success bool) {
	n.publish(CheckExecuted, map[string]interface{}{
		"check":   check,
		"log":     deliveryLog,
		"success": success,
	})
}
