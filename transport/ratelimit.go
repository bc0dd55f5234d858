package transport

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// RateLimitWindow is the cooldown between two invocations of the same
// client-to-client method from the same connection.
const RateLimitWindow = 3500 * time.Millisecond

// ErrRateLimitExceeded indicates a throttled client-to-client request.
var ErrRateLimitExceeded = errors.New("transport: request limit exceeded")

// rateLimitExempt lists methods that must always stay responsive.
var rateLimitExempt = map[string]struct{}{
	MethodChangeTransferDirection: {},
	MethodCancelTransfer:          {},
}

// RateLimiter throttles the client-to-client RPC surface per
// (connection, channel, method). Throttling is advisory and local; the
// caller answers a throttled request with a structured rate-limit error
// instead of dropping it.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter with the given cooldown window. A
// non-positive window falls back to RateLimitWindow.
func NewRateLimiter(window time.Duration) *RateLimiter {
	if window <= 0 {
		window = RateLimitWindow
	}
	return &RateLimiter{
		window:   window,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// ShouldThrottle reports whether a method call from the given connection
// must be rejected, and records the call time when it is allowed.
// Exempt methods are never throttled.
func (l *RateLimiter) ShouldThrottle(connectionID, channel, method string) bool {
	if _, exempt := rateLimitExempt[method]; exempt {
		return false
	}

	key := connectionID + ":" + channel + ":" + method

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.lastSeen[key]; ok && now.Sub(last) < l.window {
		return true
	}

	l.lastSeen[key] = now
	return false
}

// DropConnection forgets all entries for a connection so the map cannot
// grow without bound across connection churn.
func (l *RateLimiter) DropConnection(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := connectionID + ":"
	for key := range l.lastSeen {
		if strings.HasPrefix(key, prefix) {
			delete(l.lastSeen, key)
		}
	}
}
