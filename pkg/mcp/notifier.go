package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/statum/internal/eventbus"
	"github.com/rendis/statum/pkg/schema"
)

// Sender pushes a notification to one MCP session. Satisfied by *server.MCPServer.
type Sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier forwards lifecycle events of watched instances to MCP sessions as
// notifications/message. Delivery is best-effort.
type Notifier struct {
	sender   Sender
	watchers *Watchers
	logger   *slog.Logger

	mu      sync.Mutex
	cancels []func()
}

// NewNotifier creates a Notifier.
func NewNotifier(sender Sender, watchers *Watchers, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, watchers: watchers, logger: logger}
}

// Start subscribes to the lifecycle topics on bus.
func (n *Notifier) Start(ctx context.Context, bus eventbus.Bus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, topic := range schema.LifecycleTopics {
		cancel, err := bus.Subscribe(ctx, topic, n.receive)
		if err != nil {
			for _, c := range n.cancels {
				c()
			}
			n.cancels = nil
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		n.cancels = append(n.cancels, cancel)
	}
	return nil
}

// Stop cancels the subscriptions.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.cancels {
		c()
	}
	n.cancels = nil
}

func (n *Notifier) receive(_ context.Context, msg eventbus.Message) {
	var evt schema.LifecycleEvent
	if err := msg.Decode(&evt); err != nil {
		n.logger.Warn("notifier: malformed lifecycle event", slog.String("topic", msg.Topic), slog.String("error", err.Error()))
		return
	}
	n.Notify(evt)
}

// Notify sends evt to every session watching its instance. Terminal events
// end the watch.
func (n *Notifier) Notify(evt schema.LifecycleEvent) {
	params := map[string]any{
		"level":  "info",
		"logger": "statum",
		"data":   evt,
	}
	for _, sid := range n.watchers.SessionsFor(evt.InstanceID) {
		err := n.sender.SendNotificationToSpecificClient(sid, "notifications/message", params)
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			n.watchers.Remove(sid)
		case err != nil:
			n.logger.Warn("notifier: send failed",
				slog.String("session_id", sid),
				slog.String("instance_id", evt.InstanceID),
				slog.String("error", err.Error()),
			)
		}
	}
	if evt.Status.Terminal() {
		n.watchers.Forget(evt.InstanceID)
	}
}
