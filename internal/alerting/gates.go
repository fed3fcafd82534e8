package alerting

import (
	"sync"
	"time"
)

// rateLimiter enforces rolling-window alert caps per user and per threat
// type. Budget is reserved atomically at gate time, so concurrent
// callers at cap-1 cannot both pass; a reservation for a threat that a
// later gate suppresses must be released so drops never consume budget.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	perUser int
	perType int
	events  map[string][]time.Time
}

func newRateLimiter(window time.Duration, perUser, perType int) *rateLimiter {
	return &rateLimiter{
		window:  window,
		perUser: perUser,
		perType: perType,
		events:  make(map[string][]time.Time),
	}
}

func userKey(userID string) string       { return "user_" + userID }
func threatKey(threatType string) string { return "threat_" + threatType }

// Reserve charges one alert against both the user and the threat-type
// budgets if neither cap has been reached inside the rolling window,
// and reports whether the reservation succeeded. Check and charge
// happen under one lock so the caps hold under concurrent batches.
// Expired timestamps are pruned lazily on each check.
func (r *rateLimiter) Reserve(userID, threatType string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)

	if r.countLocked(userKey(userID), cutoff) >= r.perUser {
		return false
	}
	if r.countLocked(threatKey(threatType), cutoff) >= r.perType {
		return false
	}

	r.events[userKey(userID)] = append(r.events[userKey(userID)], now)
	r.events[threatKey(threatType)] = append(r.events[threatKey(threatType)], now)
	return true
}

// Release returns a reservation made at ts, for threats a later gate
// suppressed after the budget was charged.
func (r *rateLimiter) Release(userID, threatType string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[userKey(userID)] = removeOne(r.events[userKey(userID)], ts)
	r.events[threatKey(threatType)] = removeOne(r.events[threatKey(threatType)], ts)
}

// removeOne drops the latest entry equal to ts.
func removeOne(entries []time.Time, ts time.Time) []time.Time {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Equal(ts) {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// countLocked prunes entries older than cutoff and returns the live count.
// Keys left empty after pruning are dropped so the map does not grow
// unbounded with one-off users.
func (r *rateLimiter) countLocked(key string, cutoff time.Time) int {
	entries := r.events[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(r.events, key)
		return 0
	}
	r.events[key] = kept
	return len(kept)
}

// Cleanup evicts keys whose every timestamp has aged out of the window.
func (r *rateLimiter) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	removed := 0
	for key := range r.events {
		if r.countLocked(key, cutoff) == 0 {
			removed++
		}
	}
	return removed
}

// dedupTracker suppresses repeat alerts for the same (user, threat type)
// pair inside a cooldown window. The last-seen timestamp is refreshed on
// every check, so a threat that keeps firing keeps its own cooldown
// alive until it goes quiet for a full window.
type dedupTracker struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastSeen map[string]time.Time
}

func newDedupTracker(cooldown time.Duration) *dedupTracker {
	return &dedupTracker{
		cooldown: cooldown,
		lastSeen: make(map[string]time.Time),
	}
}

// Duplicate reports whether the pair was seen within the cooldown, and
// records this sighting regardless of the outcome.
func (d *dedupTracker) Duplicate(userID, threatType string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := userID + "_" + threatType
	last, seen := d.lastSeen[key]
	d.lastSeen[key] = now

	return seen && now.Sub(last) < d.cooldown
}

// Cleanup evicts pairs not seen for twice the cooldown window.
func (d *dedupTracker) Cleanup(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-2 * d.cooldown)
	removed := 0
	for key, last := range d.lastSeen {
		if last.Before(cutoff) {
			delete(d.lastSeen, key)
			removed++
		}
	}
	return removed
}
