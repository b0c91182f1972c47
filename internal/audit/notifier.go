package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NotificationKind says which limit a merchant's row count reached.
type NotificationKind string

const (
	KindThreshold NotificationKind = "threshold"
	KindMaximum   NotificationKind = "maximum"
)

// Notification is raised once when a merchant's row count reaches the
// channel threshold and once when it reaches the maximum.
type Notification struct {
	ID       string
	Channel  string
	Merchant string
	Kind     NotificationKind
	Count    int64
	Limit    int64
	At       time.Time
}

// Notifier delivers notifications. Notify must not block for long; it runs
// on the channel's processing goroutine.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("audit.notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	l.log.Warn("Audit row limit reached",
		zap.String("notification_id", n.ID),
		zap.String("channel", n.Channel),
		zap.String("merchant", n.Merchant),
		zap.String("kind", string(n.Kind)),
		zap.Int64("count", n.Count),
		zap.Int64("limit", n.Limit),
	)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }
