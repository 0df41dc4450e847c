// Package notify pushes trading alerts to operator channels (Telegram,
// Discord). Fills and session lifecycle changes are the events that matter
// during unattended operation; everything else stays in the logs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Event types a Notifier can filter on.
const (
	EventFill          = "fill"
	EventOrderRejected = "order_rejected"
	EventSessionPaused = "session_paused"
	EventSessionStop   = "session_stopped"
)

// Sender delivers one formatted alert to one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to all registered senders, filtered by event
// type. An empty allow list passes everything.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers the alert to every sender when the event type passes the
// filter. One failing sender does not block the others.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Warn("sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.Any("error", err))
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(failed, "; "))
	}
	return nil
}
