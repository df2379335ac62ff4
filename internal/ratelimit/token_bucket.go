package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// Clock abstracts time.Now so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate (tokens/sec).
//
// Tokens are tracked as fixed-point nano-tokens (1 token = 1e9), so a rate of
// X tokens/sec adds X nano-tokens per elapsed nanosecond without float drift.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity  int64 // nano-tokens
	rate      int64 // tokens/sec == nano-tokens/ns
	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket. A non-positive capacity or rate
// yields a bucket that admits everything, since the signaling knobs use 0 to
// mean "unlimited".
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens <= 0 || fillRate <= 0 {
		return nil
	}
	capacity := toNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      fillRate,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. A nil bucket always admits.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; rebase without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.available >= b.capacity {
		if b.available > b.capacity {
			b.available = b.capacity
		}
		return
	}

	need := b.capacity - b.available
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.rate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
