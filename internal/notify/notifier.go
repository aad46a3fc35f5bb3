// Package notify fans operator alerts out to webhook channels. The engine
// and the lifecycle sweep report settlement events through a Notifier,
// which filters by event type and delivers to every configured sender.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender delivers one alert over a single channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs and errors, e.g. "telegram".
	Name() string
}

// Notifier delivers alerts to every sender, filtered by event type.
// Delivery is best-effort: one failing channel never blocks the others.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier builds a Notifier forwarding only the listed event types.
// An empty events list allows everything.
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

// Notify delivers the alert to all senders when event passes the filter.
// Per-sender failures are joined into the returned error after every
// sender has been tried.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		err := s.Send(ctx, title, message)
		if err == nil {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("event", event),
			)
			continue
		}
		n.logger.ErrorContext(ctx, "sender failed",
			slog.String("sender", s.Name()),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
