// Package ratelimit enforces per-agent submission quotas over a
// rolling time window. Each (agent, challenge) pair gets its own
// window, so activity on one challenge never starves another.
// Thread-safe. No background goroutines — expired entries are pruned
// lazily on each check, plus a periodic Prune for abandoned keys.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when an agent has exhausted its window.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError is the concrete denial: how full the window is and when
// the oldest recorded attempt ages out. Matches ErrRateLimited under
// errors.Is.
type LimitError struct {
	Count   int
	Window  time.Duration
	RetryIn time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %d submissions in the last %s, retry in %s",
		ErrRateLimited, e.Count, e.Window, e.RetryIn.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Config configures the rolling-window limiter.
type Config struct {
	SubmissionsPerWindow int           // Admissions per window. Default: 10.
	Window               time.Duration // Rolling window length. Default: 1 hour.
}

// Limiter is a rolling-window rate limiter keyed by agent and
// challenge.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[key][]time.Time
	now     func() time.Time
}

type key struct {
	agentID     string
	challengeID string
}

// New creates a Limiter. Zero config fields fall back to defaults.
func New(cfg Config) *Limiter {
	if cfg.SubmissionsPerWindow <= 0 {
		cfg.SubmissionsPerWindow = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Limiter{
		limit:   cfg.SubmissionsPerWindow,
		window:  cfg.Window,
		history: make(map[key][]time.Time),
		now:     time.Now,
	}
}

// CheckAndRecord admits one submission attempt, recording it if
// admitted. Check and record are a single atomic step so concurrent
// submitters cannot both squeeze through the last slot. Returns a
// *LimitError carrying the retry horizon on denial; a denied attempt
// is not recorded.
func (l *Limiter) CheckAndRecord(agentID, challengeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{agentID: agentID, challengeID: challengeID}
	now := l.now()
	cutoff := now.Add(-l.window)

	recent := pruneBefore(l.history[k], cutoff)
	if len(recent) >= l.limit {
		l.history[k] = recent
		return &LimitError{
			Count:   len(recent),
			Window:  l.window,
			RetryIn: recent[0].Sub(cutoff),
		}
	}
	l.history[k] = append(recent, now)
	return nil
}

// Remaining reports how many admissions the pair has left in the
// current window, without recording anything.
func (l *Limiter) Remaining(agentID, challengeID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{agentID: agentID, challengeID: challengeID}
	recent := pruneBefore(l.history[k], l.now().Add(-l.window))
	l.history[k] = recent
	if rem := l.limit - len(recent); rem > 0 {
		return rem
	}
	return 0
}

// Prune drops expired entries and empty keys so one-off agents do not
// accumulate map entries forever. Returns the number of keys removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for k, times := range l.history {
		recent := pruneBefore(times, cutoff)
		if len(recent) == 0 {
			delete(l.history, k)
			removed++
			continue
		}
		l.history[k] = recent
	}
	return removed
}

// pruneBefore drops timestamps at or before cutoff. Histories are
// appended in time order, so the survivors are a suffix.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
