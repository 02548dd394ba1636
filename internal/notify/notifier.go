// Package notify sends optional Slack notifications for high-signal
// lifecycle events — key rotation and startup failures. It is never
// called from the credential-forwarding request path, so a slow or
// unreachable Slack API cannot add latency to proxied traffic.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts lifecycle events to a Slack channel. A Notifier with no
// bot token is a no-op (logging only) — callers check IsEnabled rather
// than branching on a nil client themselves.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Notifier. If botToken is empty, the notifier is disabled.
func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether the notifier has a usable Slack client and a
// destination channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// AgentRotated announces that an agent's key was rotated.
func (n *Notifier) AgentRotated(ctx context.Context, oldAgentID, newAgentID, name string) {
	if !n.IsEnabled() {
		n.logger.Debug("notifier disabled, skipping rotation announcement", "old_agent_id", oldAgentID, "new_agent_id", newAgentID)
		return
	}

	text := fmt.Sprintf(":key: Agent %q rotated: `%s` → `%s`", name, oldAgentID, newAgentID)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("posting rotation notification", "error", err)
	}
}

// StartupFailed announces a fatal startup error. Called once, synchronously,
// before the process exits — never retried.
func (n *Notifier) StartupFailed(ctx context.Context, reason string) {
	if !n.IsEnabled() {
		n.logger.Debug("notifier disabled, skipping startup-failure announcement", "reason", reason)
		return
	}

	text := fmt.Sprintf(":rotating_light: agentgate failed to start: %s", reason)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("posting startup-failure notification", "error", err)
	}
}
