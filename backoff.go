package docql

import (
	"math/rand"
	"time"
)

// Backoff paces repeated reconnect attempts: Next returns the delay before
// the next attempt and Reset returns the policy to its initial delay. It is
// a public interface so Reconnect can accept a caller-supplied policy
// instead of a fixed one.
type Backoff interface {
	Next() time.Duration
	Reset()
}

// ExponentialBackoff doubles its target delay on every call to Next, up to
// Max, and returns a jittered duration in [target/2, target] rather than
// the bare target: many connections reconnecting after the same outage
// would otherwise retry in lockstep and hammer the server on every
// doubling boundary at once.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
	cur  time.Duration
	rnd  *rand.Rand
}

// NewExponentialBackoff builds a Backoff starting at base and capped at max.
func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Base: base, Max: max, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next returns the next jittered delay and advances the internal target.
func (b *ExponentialBackoff) Next() time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if b.cur == 0 {
		b.cur = b.Base
	} else {
		b.cur *= 2
		if b.Max > 0 && b.cur > b.Max {
			b.cur = b.Max
		}
	}
	return b.jitter(b.cur)
}

// jitter returns a uniformly random duration in [target/2, target]. A
// Backoff built as a zero-value struct literal (e.g. in a test) has no
// rnd and returns target unjittered rather than panicking.
func (b *ExponentialBackoff) jitter(target time.Duration) time.Duration {
	if target <= 0 || b.rnd == nil {
		return target
	}
	half := target / 2
	return half + time.Duration(b.rnd.Int63n(int64(target-half+1)))
}

// Reset returns the backoff to its initial state.
func (b *ExponentialBackoff) Reset() {
	b.cur = 0
}
