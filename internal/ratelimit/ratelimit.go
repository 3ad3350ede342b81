// Package ratelimit implements the per-link rate-limit gate from spec.md
// §4.4: a dual token bucket (per-second, per-minute) that also acts as a
// pure traffic observer when no limit is configured. Every link gets a
// Limiter, even an unlimited one, so qps/qpm telemetry is always available.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// maxLimitValue is the ceiling a configured limit may not exceed, modeled on
// the source's bit-packed field representation (a 14-bit count, 0..16383).
// Values above this are rejected at configuration time rather than clamped.
const maxLimitValue = 1<<14 - 1

// windowSeconds is the width of the observation window used to compute qpm;
// qps is read from the single most recently completed second within it.
const windowSeconds = 60

// Limiter is a per-link dual token bucket. It is always created, even with
// both limits at 0 (unlimited); in that case TryAcquire always grants but
// the bucket still tracks observed qps/qpm and exposes a Limiter with
// Enabled() == false.
type Limiter struct {
	mu sync.Mutex

	maxPerSec uint32
	maxPerMin uint32
	enabled   bool

	secTokens  float64
	minTokens  float64
	lastRefill time.Time

	rateLimitCount uint64

	buckets   [windowSeconds]uint32
	bucketSec int64
}

// New builds a Limiter from the configured per-second/per-minute ceilings.
// maxPerSecs and maxPerMin of 0 mean "no ceiling, observe only". Either
// value exceeding the internal representation's ceiling is a configuration
// error; callers should log a warning and fall back to an unlimited
// observer rather than failing link setup (spec.md §4.4 Validation).
func New(maxPerSecs, maxPerMin int) (*Limiter, error) {
	if maxPerSecs < 0 {
		return nil, fmt.Errorf("ratelimit: max_per_secs must not be negative, got %d", maxPerSecs)
	}
	if maxPerMin < 0 {
		return nil, fmt.Errorf("ratelimit: max_per_min must not be negative, got %d", maxPerMin)
	}
	if maxPerSecs > maxLimitValue {
		return nil, fmt.Errorf("ratelimit: max_per_secs %d exceeds ceiling %d", maxPerSecs, maxLimitValue)
	}
	if maxPerMin > maxLimitValue {
		return nil, fmt.Errorf("ratelimit: max_per_min %d exceeds ceiling %d", maxPerMin, maxLimitValue)
	}

	l := &Limiter{
		maxPerSec:  uint32(maxPerSecs),
		maxPerMin:  uint32(maxPerMin),
		enabled:    maxPerSecs > 0 || maxPerMin > 0,
		secTokens:  float64(maxPerSecs),
		minTokens:  float64(maxPerMin),
		lastRefill: time.Now(),
	}
	return l, nil
}

// Unlimited builds a pure observer with no enforced ceiling, for links that
// configure neither max_per_secs nor max_per_min.
func Unlimited() *Limiter {
	l, _ := New(0, 0)
	return l
}

// Enabled reports whether either ceiling is actually enforced. An observer-
// only Limiter (both limits 0) still tracks traffic but is never denying.
func (l *Limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// TryAcquire observes one attempt and, if a ceiling is configured, consumes
// a token from whichever bucket(s) are enforced. It never blocks — a denied
// request gets false immediately and the caller moves to the next
// candidate link, matching spec.md's "non-suspending" requirement.
func (l *Limiter) TryAcquire() bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.observe(now)

	if !l.enabled {
		return true
	}

	l.refill(now)

	if l.maxPerSec > 0 && l.secTokens < 1 {
		l.rateLimitCount++
		return false
	}
	if l.maxPerMin > 0 && l.minTokens < 1 {
		l.rateLimitCount++
		return false
	}

	if l.maxPerSec > 0 {
		l.secTokens--
	}
	if l.maxPerMin > 0 {
		l.minTokens--
	}
	return true
}

// refill tops up both buckets proportional to elapsed time, capped at each
// bucket's ceiling. Caller must hold l.mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now

	if l.maxPerSec > 0 {
		l.secTokens += elapsed * float64(l.maxPerSec)
		if l.secTokens > float64(l.maxPerSec) {
			l.secTokens = float64(l.maxPerSec)
		}
	}
	if l.maxPerMin > 0 {
		l.minTokens += elapsed * float64(l.maxPerMin) / 60.0
		if l.minTokens > float64(l.maxPerMin) {
			l.minTokens = float64(l.maxPerMin)
		}
	}
}

// observe records one attempt in the rolling per-second bucket ring,
// independent of whether the attempt is ultimately granted or denied and
// independent of whether any limit is configured — qps/qpm are always
// measured. Caller must hold l.mu.
func (l *Limiter) observe(now time.Time) {
	sec := now.Unix()
	l.rollBucketsTo(sec)
	l.buckets[sec%windowSeconds]++
}

// rollBucketsTo zeroes buckets for any second between the last-seen second
// and sec that were skipped, so stale counts from a prior window don't leak
// into the current one. Caller must hold l.mu.
func (l *Limiter) rollBucketsTo(sec int64) {
	if l.bucketSec == 0 {
		l.bucketSec = sec
		return
	}
	if sec <= l.bucketSec {
		return
	}
	from := l.bucketSec + 1
	if sec-l.bucketSec > windowSeconds {
		from = sec - windowSeconds + 1
	}
	for s := from; s <= sec; s++ {
		l.buckets[s%windowSeconds] = 0
	}
	l.bucketSec = sec
}

// QPS returns the number of attempts observed in the most recently
// completed second.
func (l *Limiter) QPS() uint32 {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollBucketsTo(now.Unix())
	prevSec := now.Unix() - 1
	return l.buckets[((prevSec%windowSeconds)+windowSeconds)%windowSeconds]
}

// QPM returns the number of attempts observed over the trailing 60 seconds.
func (l *Limiter) QPM() uint32 {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollBucketsTo(now.Unix())
	var sum uint32
	for _, b := range l.buckets {
		sum += b
	}
	return sum
}

// RateLimitCount returns the cumulative number of denied acquisitions.
func (l *Limiter) RateLimitCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rateLimitCount
}

// TokensAvailable returns the minimum of the two bucket levels currently
// enforced, or ok=false when the limiter has no ceiling configured (spec.md:
// "null when disabled").
func (l *Limiter) TokensAvailable() (tokens float64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return 0, false
	}
	switch {
	case l.maxPerSec > 0 && l.maxPerMin > 0:
		if l.secTokens < l.minTokens {
			return l.secTokens, true
		}
		return l.minTokens, true
	case l.maxPerSec > 0:
		return l.secTokens, true
	default:
		return l.minTokens, true
	}
}

// Limits returns the configured per-second and per-minute ceilings (0 means
// unconfigured for that bucket).
func (l *Limiter) Limits() (perSec, perMin uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxPerSec, l.maxPerMin
}
