// Package notify delivers text messages to a user's paired device. The chat
// transport itself lives in the wallet node; this port only carries the
// message. Delivery is best-effort: settlement state never depends on a
// notification landing.
package notify

import (
	"context"
	"log/slog"

	"attestor/internal/models"
)

// Notifier sends a message to a device.
type Notifier interface {
	Send(ctx context.Context, device models.DeviceID, text string) error
}

// Log writes notifications to the structured log. Used in tests and when no
// chat transport is wired.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Send(_ context.Context, device models.DeviceID, text string) error {
	l.log.Info("notification", "device", device, "text", text)
	return nil
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, device models.DeviceID, text string) error

func (f Func) Send(ctx context.Context, device models.DeviceID, text string) error {
	return f(ctx, device, text)
}
