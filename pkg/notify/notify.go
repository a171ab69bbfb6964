// Package notify delivers outgoing status messages to the requester
// channel. The channel itself is an external collaborator; this package
// defines the boundary and the cadence policy applied to progress chatter.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message is one outgoing notification.
type Message struct {
	Recipient string
	Text      string
	// Progress marks routine status updates subject to cadence
	// throttling. Terminal notices leave it false and always deliver.
	Progress bool
}

// Notifier delivers messages to the outside channel.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, msg Message) error

func (f Func) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogNotifier writes notifications to the log. It is the default sink
// when no channel collaborator is wired in.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.Logger.Info().
		Str("recipient", msg.Recipient).
		Bool("progress", msg.Progress).
		Str("text", msg.Text).
		Msg("Notification")
	return nil
}

// Throttled rate-limits progress messages per recipient. Terminal
// notices bypass the cadence entirely.
type Throttled struct {
	next    Notifier
	cadence time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewThrottled wraps next with a per-recipient progress cadence.
func NewThrottled(next Notifier, cadence time.Duration, logger zerolog.Logger) *Throttled {
	return &Throttled{
		next:     next,
		cadence:  cadence,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func (t *Throttled) Notify(ctx context.Context, msg Message) error {
	if msg.Progress && t.cadence > 0 {
		t.mu.Lock()
		last, seen := t.lastSent[msg.Recipient]
		now := t.now()
		if seen && now.Sub(last) < t.cadence {
			t.mu.Unlock()
			t.logger.Debug().
				Str("recipient", msg.Recipient).
				Msg("Progress notification suppressed by cadence")
			return nil
		}
		t.lastSent[msg.Recipient] = now
		t.mu.Unlock()
	}
	return t.next.Notify(ctx, msg)
}
