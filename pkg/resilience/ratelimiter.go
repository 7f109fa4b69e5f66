package resilience

import (
	"math"
	"sync"
	"time"
)

// LimiterOpts configures a token bucket.
type LimiterOpts struct {
	// Rate is the number of tokens added per second. Zero never refills.
	Rate float64
	// Burst is the bucket capacity, at least 1.
	Burst int
}

// Limiter is a non-blocking token bucket.
type Limiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func NewLimiter(opts LimiterOpts) *Limiter {
	return newLimiter(opts, time.Now)
}

func newLimiter(opts LimiterOpts, now func() time.Time) *Limiter {
	burst := float64(max(opts.Burst, 1))
	return &Limiter{rate: max(opts.Rate, 0), burst: burst, tokens: burst, last: now(), now: now}
}

// Allow takes a token if one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Delay reports how long until the next token is available, zero when one
// is available now. A bucket that never refills reports -1.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	switch {
	case l.tokens >= 1:
		return 0
	case l.rate == 0:
		return -1
	}
	return time.Duration(math.Ceil((1 - l.tokens) / l.rate * float64(time.Second)))
}

// refill credits the time since the last call. Must hold mu.
func (l *Limiter) refill() {
	now := l.now()
	l.tokens = min(l.burst, l.tokens+now.Sub(l.last).Seconds()*l.rate)
	l.last = now
}

func (l *Limiter) full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens >= l.burst
}

// Keyed holds one bucket per key, e.g. per client address. Buckets that have
// refilled completely carry no state and are dropped by Sweep.
type Keyed struct {
	mu      sync.Mutex
	opts    LimiterOpts
	buckets map[string]*Limiter
	now     func() time.Time
}

func NewKeyed(opts LimiterOpts) *Keyed {
	return &Keyed{opts: opts, buckets: map[string]*Limiter{}, now: time.Now}
}

func (k *Keyed) bucket(key string) *Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.buckets[key]
	if !ok {
		l = newLimiter(k.opts, k.now)
		k.buckets[key] = l
	}
	return l
}

// Allow takes a token from key's bucket.
func (k *Keyed) Allow(key string) bool { return k.bucket(key).Allow() }

// Delay is Limiter.Delay for key's bucket.
func (k *Keyed) Delay(key string) time.Duration { return k.bucket(key).Delay() }

// Sweep drops full buckets and returns how many remain.
func (k *Keyed) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, l := range k.buckets {
		if l.full() {
			delete(k.buckets, key)
		}
	}
	return len(k.buckets)
}
