// Package resilience provides circuit breaker and rate limiter primitives.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/WessleyAI/rag-vault/pkg/fn"
)

// State of a Breaker. Closed passes calls, open rejects them and half-open
// lets a limited number of probes through.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before entering half-open.
	Timeout time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
	// OnChange, if set, is called after every state transition. It runs
	// with the breaker unlocked.
	OnChange func(from, to State)
	// Ignore marks errors that say nothing about the protected dependency,
	// such as rejected input. They do not count towards tripping.
	Ignore func(error) bool
}

// DefaultBreakerOpts provides sensible defaults.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker implements a circuit breaker with closed/open/half-open states.
//
// Calls that cannot be expressed as a single function, such as a streamed
// response, use Allow before starting and Record once the outcome is known.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	openedAt time.Time
	probes   int
	now      func() time.Time
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	var st State
	b.transition(func() { st = b.currentState() })
	return st
}

// transition runs f under the lock and reports any state change it made
// once the lock is released.
func (b *Breaker) transition(f func()) {
	b.mu.Lock()
	from := b.state
	f()
	to := b.state
	b.mu.Unlock()
	if from != to && b.opts.OnChange != nil {
		b.opts.OnChange(from, to)
	}
}

// currentState moves an expired open breaker to half-open. Must hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.probes = 0
	}
	return b.state
}

// Allow reserves a call slot. It returns ErrCircuitOpen when the breaker is
// open or its half-open probes are used up. Every nil return must be paired
// with exactly one Record.
func (b *Breaker) Allow() error {
	var err error
	b.transition(func() {
		switch b.currentState() {
		case StateOpen:
			err = ErrCircuitOpen
		case StateHalfOpen:
			if b.probes >= b.opts.HalfOpenMax {
				err = ErrCircuitOpen
				return
			}
			b.probes++
		}
	})
	return err
}

// Record reports the outcome of a call admitted by Allow. Errors accepted by
// BreakerOpts.Ignore count as successes.
func (b *Breaker) Record(err error) {
	if err != nil && b.opts.Ignore != nil && b.opts.Ignore(err) {
		err = nil
	}
	b.transition(func() {
		if err == nil {
			if b.state == StateHalfOpen {
				b.state = StateClosed
			}
			b.failures = 0
			return
		}
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
			b.probes = 0
		}
	})
}

// Call executes f through the circuit breaker.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := f(ctx)
	b.Record(err)
	return err
}

// BreakerStage wraps an fn.Stage with circuit breaker protection.
func BreakerStage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := b.Allow(); err != nil {
			return fn.Err[Out](err)
		}
		r := stage(ctx, in)
		_, err := r.Unwrap()
		b.Record(err)
		return r
	}
}
