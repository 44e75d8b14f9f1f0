package session

import "time"

// tokenBucket is a simple refilling budget. Capacity is rate*burstSeconds.
type tokenBucket struct {
	rate   int64
	burst  int64
	tokens int64
}

func newTokenBucket(rate, burstSeconds int64) tokenBucket {
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	b := tokenBucket{rate: rate, burst: rate * burstSeconds}
	b.tokens = b.burst
	return b
}

func (b *tokenBucket) refill(elapsed time.Duration) {
	if b.rate <= 0 || elapsed <= 0 {
		return
	}
	b.tokens += (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

func (b *tokenBucket) take(n int64) bool {
	if b.rate <= 0 {
		return true
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// inboundAudioLimiter bounds inbound mic audio by frames per second and
// bytes per second. Both budgets must have room before a frame is accepted.
type inboundAudioLimiter struct {
	now        func() time.Time
	frames     tokenBucket
	bytes      tokenBucket
	lastRefill time.Time
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &inboundAudioLimiter{
		now:        now,
		frames:     newTokenBucket(int64(fps), int64(burstSeconds)),
		bytes:      newTokenBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}

	now := l.now()
	if !l.lastRefill.IsZero() {
		elapsed := now.Sub(l.lastRefill)
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
	}
	l.lastRefill = now

	// Check both budgets before consuming either, so a rejected frame does
	// not burn the other bucket.
	if l.frames.rate > 0 && l.frames.tokens < 1 {
		return false
	}
	if l.bytes.rate > 0 && l.bytes.tokens < int64(frameBytes) {
		return false
	}
	return l.frames.take(1) && l.bytes.take(int64(frameBytes))
}
