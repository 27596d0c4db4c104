// Package dispatch defines the contracts shared by chat transports, features and the runner,
// and fans inbound events out to features in priority order.
package dispatch

import (
	"context"
	"time"
)

// Event is one observed chat message. Edits are delivered as new events that carry the
// original MessageID with Edited set.
type Event struct {
	ChatID      string
	MessageID   string
	ReplyToID   string // empty when the message is not a reply
	SenderID    string
	Text        string
	Time        time.Time
	IsReply     bool
	IsReplyToMe bool
	Edited      bool
}

// Action is a command a feature wants sent. Delay 0 sends immediately; a positive delay
// registers the send with the scheduler under Key (or Feature+":"+Text when Key is empty).
type Action struct {
	Feature string
	Text    string
	ToTopic bool
	Delay   time.Duration
	Key     string
	ReplyTo string
}

// ScheduleKey returns the key a delayed action is registered under.
func (a Action) ScheduleKey() string {
	if a.Key != "" {
		return a.Key
	}
	return a.Feature + ":" + a.Text
}

// Outgoing is one message handed to the send path.
type Outgoing struct {
	Feature string
	Text    string
	ToTopic bool
	ReplyTo string
}

// SendFunc transmits msg subject to rate limiting. It returns the id of the sent message and
// true on success; rate-limited, dry-run and failed sends return false. It never panics.
type SendFunc func(ctx context.Context, msg Outgoing) (string, bool)

// Registrar is the scheduler surface features use for self-initiated timers.
type Registrar interface {
	Schedule(key string, delay time.Duration, fn func(ctx context.Context) error)
}

// Feature is one automated activity.
type Feature interface {
	Name() string
	Enabled() bool
	Priority() int
	OnEvent(ctx context.Context, ev Event) ([]Action, error)
}

// Bootstrapper is implemented by features that start their own timers.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, reg Registrar, send SendFunc) error
}
