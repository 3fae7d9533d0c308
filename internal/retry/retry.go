// Package retry runs an operation with capped exponential backoff.
//
// Delays grow as base*2^(attempt-1), capped at MaxDelay, with positive jitter.
// Within one Do call the delays never decrease, and a server supplied hint
// (see RetryAfter) raises the delay but never lowers it. Errors wrapped with
// Permanent, or reported permanent by a Classifier, stop the loop at once.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type Policy struct {
	// MaxAttempts counts the first try; values below 1 mean 1.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the delay, in [0,1].
	Jitter float64
}

// DefaultPolicy matches the channel send path: 3 attempts, 500ms doubling to 30s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: 0.2}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff yields the delays of one retry sequence.
type Backoff struct {
	p    Policy
	prev time.Duration
	rnd  func() float64
}

func (p Policy) NewBackoff() *Backoff {
	return &Backoff{p: p.normalized(), rnd: rand.Float64}
}

// Next returns the delay to wait after the given failed attempt (1-based).
func (b *Backoff) Next(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.p.BaseDelay
	for i := 1; i < attempt && d < b.p.MaxDelay; i++ {
		d *= 2
	}
	if d > b.p.MaxDelay {
		d = b.p.MaxDelay
	}
	if b.p.Jitter > 0 && d > 0 {
		d += time.Duration(float64(d) * b.p.Jitter * b.rnd())
		if d > b.p.MaxDelay {
			d = b.p.MaxDelay
		}
	}
	if hint > d {
		d = hint
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RetryAfter is implemented by errors that carry a server supplied wait.
type RetryAfter interface {
	RetryAfter() time.Duration
}

func hintOf(err error) time.Duration {
	var ra RetryAfter
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

type options struct {
	classify func(error) bool
	sleep    func(ctx context.Context, d time.Duration) error
	onRetry  func(attempt int, delay time.Duration, err error)
}

type Option func(*options)

// WithClassifier reports additional errors as permanent.
func WithClassifier(fn func(error) bool) Option { return func(o *options) { o.classify = fn } }

// WithSleep replaces the timer based wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// OnRetry is called before each wait.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or
// ctx is done. It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) (int, error) {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	p = p.normalized()
	b := p.NewBackoff()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return attempt - 1, err
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) || (o.classify != nil && o.classify(err)) {
			return attempt, err
		}
		if attempt == p.MaxAttempts {
			return attempt, err
		}
		delay := b.Next(attempt, hintOf(err))
		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}
		if serr := o.sleep(ctx, delay); serr != nil {
			return attempt, errors.Join(err, serr)
		}
	}
	return p.MaxAttempts, err
}
