// ABOUTME: Debouncer coalesces typing keystroke bursts into periodic announcements
// ABOUTME: Indicator tracks the sliding "peer is typing" window on the receive side

package presence

import (
	"sync"
	"time"
)

const (
	// DefaultAnnounceInterval is how often a continuously typing user
	// re-announces. Bursts of keystrokes inside one interval collapse to a
	// single event.
	DefaultAnnounceInterval = 250 * time.Millisecond

	// DefaultTypingTTL is how long an indicator stays lit after the last
	// typing event. Each new event restarts the window.
	DefaultTypingTTL = 2 * time.Second
)

// Debouncer rate-limits typing announcements per conversation. Allow returns
// true at most once per interval for a given key; callers announce only when
// it does.
type Debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewDebouncer creates a debouncer with the given interval. Zero or negative
// interval falls back to DefaultAnnounceInterval.
func NewDebouncer(interval time.Duration) *Debouncer {
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	return &Debouncer{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether an announcement for key should go out now.
// Leading-edge: the first call in a quiet period passes immediately, then
// further calls are suppressed until the interval elapses.
func (d *Debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.last[key]; ok && now.Sub(last) < d.interval {
		return false
	}
	d.last[key] = now
	return true
}

// Forget drops the debounce state for a key, typically when a session
// detaches from a conversation.
func (d *Debouncer) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, key)
}

// Indicator tracks which users are currently typing from the receiving side.
// Each observed event restarts that user's window; a user counts as typing
// until ttl elapses with no further event. Expiry is lazy: state is pruned on
// read rather than by timers.
type Indicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time // userID -> last event time
	now  func() time.Time
}

// NewIndicator creates an indicator with the given TTL. Zero or negative ttl
// falls back to DefaultTypingTTL.
func NewIndicator(ttl time.Duration) *Indicator {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Indicator{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Observe records a typing event for the user, restarting their window.
func (i *Indicator) Observe(userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen[userID] = i.now()
}

// Typing reports whether the user's window is still open.
func (i *Indicator) Typing(userID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	last, ok := i.seen[userID]
	if !ok {
		return false
	}
	if i.now().Sub(last) >= i.ttl {
		delete(i.seen, userID)
		return false
	}
	return true
}

// Active returns the users whose windows are still open, pruning expired
// entries as a side effect.
func (i *Indicator) Active() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	var active []string
	for userID, last := range i.seen {
		if now.Sub(last) >= i.ttl {
			delete(i.seen, userID)
			continue
		}
		active = append(active, userID)
	}
	return active
}
