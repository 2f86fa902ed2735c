package ratelimiter

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TokenBucket admits a request per token; tokens refill at Rate per second up to MaxTokens.
// A bucket with MaxTokens 0 admits everything.
type TokenBucket struct {
	MaxTokens  int64
	Tokens     int64
	Rate       int64
	LastRefill time.Time

	mu  sync.Mutex
	now func() time.Time
}

func RateLimiter(rate, tokens int64) *TokenBucket {
	return &TokenBucket{
		MaxTokens:  tokens,
		Tokens:     tokens,
		Rate:       rate,
		LastRefill: time.Now(),
		now:        time.Now,
	}
}

// Enabled reports whether the bucket limits anything at all
func (tb *TokenBucket) Enabled() bool {
	return tb != nil && tb.MaxTokens > 0
}

// this method puts tokens in bucket
func (tb *TokenBucket) refillBucket() {
	now := tb.now()
	elapsed := now.Sub(tb.LastRefill)

	tokensToAdd := (elapsed.Milliseconds() * tb.Rate) / 1000
	if tokensToAdd <= 0 {
		// keep the partial interval so slow rates still refill
		return
	}

	tb.Tokens = min(tb.Tokens+tokensToAdd, tb.MaxTokens)
	tb.LastRefill = now
	log.WithFields(log.Fields{"added": tokensToAdd, "tokens": tb.Tokens}).Debug("refilled rate limiter bucket")
}

// method to check is request allowed or should be dropped
func (tb *TokenBucket) IsReqAllowed() bool {
	if !tb.Enabled() {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillBucket()
	if tb.Tokens > 0 {
		tb.Tokens--
		return true
	}
	return false
}
