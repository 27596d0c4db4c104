// Package features holds the per-activity state machines that turn observed game replies into
// outgoing commands. Each feature owns its state behind its own mutex; the lock is never held
// across a send or a scheduler registration.
package features

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every constructor error.
var ErrInvalidConfig = errors.New("features: invalid configuration")

// base carries the identity shared by all features.
type base struct {
	name     string
	priority int
	enabled  bool
}

func (b *base) Name() string  { return b.name }
func (b *base) Enabled() bool { return b.enabled }
func (b *base) Priority() int { return b.priority }

// JitterRange is an inclusive range drawn in whole seconds.
type JitterRange struct {
	Min time.Duration
	Max time.Duration
}

func (r JitterRange) validate(name string) error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("%w: %s jitter range [%s, %s]", ErrInvalidConfig, name, r.Min, r.Max)
	}
	return nil
}

// JitterFunc draws a delay from r.
type JitterFunc func(r JitterRange) time.Duration

// UniformJitter draws uniformly in whole seconds from r.
func UniformJitter(r JitterRange) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := int64((r.Max - r.Min) / time.Second)
	return r.Min + time.Duration(rand.Int64N(span+1))*time.Second
}

// TimeOfDay is a wall-clock HH:MM.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var hhmmRE = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := hhmmRE.FindStringSubmatch(raw)
	if m == nil {
		return TimeOfDay{}, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidConfig, raw)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidConfig, raw)
	}
	return TimeOfDay{Hour: h, Minute: mm}, nil
}

// On returns the instant of t on the calendar day of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// isCommand reports whether text is a command line (ours or someone else's).
func isCommand(text string) bool {
	return strings.HasPrefix(text, ".")
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// pollDelay shortens base to minRemaining+buffer when that is sooner, never below one second.
func pollDelay(base, minRemaining, buffer time.Duration) time.Duration {
	if minRemaining <= 0 {
		return base
	}
	return clampDuration(minRemaining+buffer, time.Second, base)
}

// dayKey formats the calendar day of t.
func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
