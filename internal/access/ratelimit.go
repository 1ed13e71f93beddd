// ratelimit.go - Sliding-window attempt limiter over a shared JSON ledger.
//
// The ledger is a single file shared by every rate-limited action and
// key, so limits hold across processes. An exclusive flock spans the
// whole read-filter-append-write; expired entries are dropped on every
// write, which bounds ledger growth without a compaction pass.
//
// Infrastructure failures (cannot create, open or lock the ledger) fail
// open: a broken ledger must not lock out legitimate users. Every
// fail-open event is logged.
package access

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// attempt is one recorded ledger entry. Time is unix seconds.
type attempt struct {
	Key  string `json:"key"`
	Time int64  `json:"time"`
}

// RateLimiter counts attempts per key inside a sliding window.
type RateLimiter struct {
	path string
	log  *zap.Logger
	now  func() time.Time
}

// NewRateLimiter returns a limiter backed by the ledger file at path.
// The file and its directory are created on first use.
func NewRateLimiter(path string, log *zap.Logger) *RateLimiter {
	return &RateLimiter{path: path, log: log, now: time.Now}
}

// Allow reports whether another attempt under key is permitted, and
// records the attempt when it is. The exclusive lock covers the entire
// read-modify-write so concurrent callers serialize on the ledger.
func (l *RateLimiter) Allow(key string, maxAttempts int, window time.Duration) bool {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		l.log.Warn("rate limit ledger directory unavailable, failing open",
			zap.String("path", l.path), zap.Error(err))
		return true
	}

	lock := flock.New(l.path)
	if err := lock.Lock(); err != nil {
		l.log.Warn("rate limit ledger lock failed, failing open",
			zap.String("path", l.path), zap.Error(err))
		return true
	}
	defer func() { _ = lock.Unlock() }()

	entries := l.readLedger()
	now := l.now().Unix()
	cutoff := now - int64(window/time.Second)

	live := entries[:0]
	count := 0
	for _, e := range entries {
		if e.Time <= cutoff {
			continue
		}
		live = append(live, e)
		if e.Key == key {
			count++
		}
	}

	if count >= maxAttempts {
		return false
	}

	live = append(live, attempt{Key: key, Time: now})
	raw, err := json.Marshal(live)
	if err == nil {
		err = os.WriteFile(l.path, raw, 0o640)
	}
	if err != nil {
		// The attempt goes unrecorded but the request proceeds.
		l.log.Warn("rate limit ledger write failed",
			zap.String("path", l.path), zap.Error(err))
	}
	return true
}

// readLedger parses the ledger under the held lock. Missing, empty or
// corrupt content resets to an empty ledger rather than blocking.
func (l *RateLimiter) readLedger() []attempt {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn("rate limit ledger unreadable, treating as empty",
				zap.String("path", l.path), zap.Error(err))
		}
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	var entries []attempt
	if err := json.Unmarshal(raw, &entries); err != nil {
		l.log.Warn("rate limit ledger corrupt, resetting",
			zap.String("path", l.path), zap.Error(err))
		return nil
	}
	return entries
}
