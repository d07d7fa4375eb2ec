// Package notify provides best-effort delivery of governance events to
// external channel adapters. Delivery failure never affects task or policy
// state; callers log and move on.
package notify

import (
	"context"
	"log/slog"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// NopNotifier drops every event. Useful default for wiring contexts with no
// channel configured.
type NopNotifier struct{}

func (NopNotifier) Publish(ctx context.Context, ev contracts.Event) error { return nil }

// LogNotifier writes events to the structured log instead of a channel.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(ctx context.Context, ev contracts.Event) error {
	n.logger.Info("event",
		"kind", ev.Kind, "tenant", ev.TenantID, "task", ev.TaskID,
		"policy", ev.PolicyID, "channel", ev.Channel)
	return nil
}
