package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/ldapconsole/api/internal/kvstore"
	"github.com/ldapconsole/api/pkg/logger"
)

// Limiter is a sliding-window counter kept in the local cache tier only.
// Limits are therefore per node.
type Limiter struct {
	Cache *kvstore.Cache
	Now   func() time.Time

	mu sync.Mutex
}

func New(cache *kvstore.Cache) *Limiter {
	return &Limiter{Cache: cache, Now: time.Now}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Check reports whether key has made fewer than max attempts inside window.
func (l *Limiter) Check(key string, max int, window time.Duration) bool {
	return l.Remaining(key, max, window) > 0
}

// Remaining returns how many attempts key has left inside window.
func (l *Limiter) Remaining(key string, max int, window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := max - len(l.attempts(kvstore.SafeKey(key), window))
	if n < 0 {
		return 0
	}
	return n
}

// Increment records one attempt for key and drops attempts that have left
// the window.
func (l *Limiter) Increment(key string, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	safe := kvstore.SafeKey(key)
	now := l.now()
	attempts := append(l.attempts(safe, window), now.Unix())

	fields := make([]string, len(attempts))
	for i, ts := range attempts {
		fields[i] = strconv.FormatInt(ts, 10)
	}
	return l.Cache.Write(kvstore.KindRateLimit, safe, fields, now.Add(window))
}

// Reset forgets every attempt for key.
func (l *Limiter) Reset(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Cache.Remove(kvstore.KindRateLimit, kvstore.SafeKey(key))
}

func (l *Limiter) attempts(key string, window time.Duration) []int64 {
	entry, ok := l.Cache.Read(kvstore.KindRateLimit, key)
	if !ok {
		return nil
	}
	cutoff := l.now().Add(-window).Unix()
	var out []int64
	for _, f := range entry.Fields {
		ts, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			logger.Warn("ratelimit_bad_timestamp", map[string]interface{}{"key": key})
			continue
		}
		if ts >= cutoff {
			out = append(out, ts)
		}
	}
	return out
}
