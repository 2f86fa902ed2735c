package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestDisabledBucketAllowsEverything(t *testing.T) {
	tb := RateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, tb.IsReqAllowed())
	}

	var nilBucket *TokenBucket
	assert.True(t, nilBucket.IsReqAllowed())
}

func TestBucketDrainsAndRefills(t *testing.T) {
	clock, advance := fixedClock(time.Unix(1_700_000_000, 0))
	tb := RateLimiter(10, 3)
	tb.now = clock
	tb.LastRefill = clock()

	for i := 0; i < 3; i++ {
		assert.True(t, tb.IsReqAllowed(), "request %d", i)
	}
	assert.False(t, tb.IsReqAllowed())

	// 10 tokens per second, one token every 100ms
	advance(50 * time.Millisecond)
	assert.False(t, tb.IsReqAllowed())
	advance(50 * time.Millisecond)
	assert.True(t, tb.IsReqAllowed())
	assert.False(t, tb.IsReqAllowed())

	// refill never goes past MaxTokens
	advance(10 * time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, tb.IsReqAllowed())
	}
	assert.False(t, tb.IsReqAllowed())
}
