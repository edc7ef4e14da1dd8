// Package ratelimit enforces per-user request and token ceilings over
// sliding windows.
//
// Responsibilities:
//   - In-memory sample counters for the minute windows (requests, tokens)
//   - Five-dimension admission checks backed by the counters and the store
//   - Typed LimitError carrying the tripped dimension and Retry-After
package ratelimit

import (
	"sync"
	"time"
)

// minuteWindow is the span of the in-memory sliding windows.
const minuteWindow = time.Minute

// sample is one timestamped contribution to a window.
type sample struct {
	at    time.Time
	value int
}

// userWindow holds one user's recent request and token samples.
type userWindow struct {
	requests []sample
	tokens   []sample
	lastSeen time.Time
}

// Counters tracks per-user activity over the last minute. All windows share
// one mutex; samples are pruned on read and idle users are swept by a
// background goroutine.
type Counters struct {
	mu      sync.Mutex
	users   map[string]*userWindow
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// NewCounters creates the counter set and starts the idle-user sweeper.
func NewCounters() *Counters {
	c := &Counters{
		users: make(map[string]*userWindow),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Stop terminates the sweeper goroutine.
func (c *Counters) Stop() {
	c.stopped.Do(func() { close(c.stop) })
}

// RecordRequest notes one admitted request for the user.
func (c *Counters) RecordRequest(userID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(userID, now)
	w.requests = append(w.requests, sample{at: now, value: 1})
}

// RecordTokens notes tokens consumed by a completed request.
func (c *Counters) RecordTokens(userID string, tokens int) {
	if tokens <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.window(userID, now)
	w.tokens = append(w.tokens, sample{at: now, value: tokens})
}

// RequestsInLastMinute returns the number of requests the user made within
// the window ending now.
func (c *Counters) RequestsInLastMinute(userID string) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.users[userID]
	if !ok {
		return 0
	}
	w.requests = prune(w.requests, now)
	return len(w.requests)
}

// TokensInLastMinute returns the user's token consumption within the window
// ending now.
func (c *Counters) TokensInLastMinute(userID string) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.users[userID]
	if !ok {
		return 0
	}
	w.tokens = prune(w.tokens, now)
	total := 0
	for _, s := range w.tokens {
		total += s.value
	}
	return total
}

// Reset drops all state for a user. Used when the user is deleted.
func (c *Counters) Reset(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, userID)
}

// window returns the user's window, creating it if needed. Caller holds mu.
func (c *Counters) window(userID string, now time.Time) *userWindow {
	w, ok := c.users[userID]
	if !ok {
		w = &userWindow{}
		c.users[userID] = w
	}
	w.lastSeen = now
	return w
}

// prune drops samples older than the window. Samples are appended in time
// order, so the survivors are a suffix.
func prune(samples []sample, now time.Time) []sample {
	cutoff := now.Add(-minuteWindow)
	i := 0
	for i < len(samples) && !samples[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0], samples[i:]...)
}

// sweep periodically removes users idle for longer than the window so the
// map does not grow without bound.
func (c *Counters) sweep() {
	ticker := time.NewTicker(minuteWindow)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for id, w := range c.users {
				if now.Sub(w.lastSeen) > 2*minuteWindow {
					delete(c.users, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
