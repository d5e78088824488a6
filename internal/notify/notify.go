// Package notify declares the outbound notification collaborator. Actual
// delivery (email/SMS) happens outside this service; the interface is the
// boundary.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Notifier delivers out-of-band messages about link lifecycle events.
type Notifier interface {
	// LinkCreated tells the recipient a share is waiting for them.
	LinkCreated(ctx context.Context, to string, expiresAt time.Time) error
}

// LogNotifier records the intent without delivering anything. Stands in until
// a real delivery backend is wired.
type LogNotifier struct{ log *zap.Logger }

// NewLogNotifier constructs a logging Notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier { return &LogNotifier{log: log} }

// LinkCreated logs the notification intent. The address is logged, never the
// link tokens or the one-time code.
func (n *LogNotifier) LinkCreated(_ context.Context, to string, expiresAt time.Time) error {
	n.log.Info("notification queued",
		zap.String("to", to),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}
