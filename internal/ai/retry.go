package ai

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"bizsim/internal/model"
)

// RetryPolicy bounds the attempts made for one inference.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RequestTimeout bounds each single attempt.
	RequestTimeout time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		RequestTimeout:  60 * time.Second,
	}
}

// Attempt describes one finished provider attempt.
type Attempt struct {
	Number      int
	MaxAttempts int
	Err         error
	NextDelay   time.Duration
}

// Outcome is the result of a full run.
type Outcome struct {
	Result   *model.RoundResult
	Raw      []byte
	Attempts int
}

// Runner executes provider calls under the retry policy and the shared rate budget,
// then parses the answer through the adapters.
type Runner struct {
	policy   RetryPolicy
	limiter  *rate.Limiter
	adapters *Adapters
}

// NewRunner creates a runner. The limiter is shared by every session; nil means unlimited.
func NewRunner(policy RetryPolicy, limiter *rate.Limiter, adapters *Adapters) *Runner {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if adapters == nil {
		adapters = NewAdapters()
	}
	return &Runner{policy: policy, limiter: limiter, adapters: adapters}
}

// Policy returns the runner's retry policy.
func (r *Runner) Policy() RetryPolicy { return r.policy }

// Run calls p until it succeeds, fails permanently or exhausts the attempt bound.
// onAttempt, if set, is called after every failed attempt that will be retried.
// Parse failures are permanent.
func (r *Runner) Run(ctx context.Context, p Provider, req Request, onAttempt func(Attempt)) (*Outcome, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)

	attempts := 0
	var resp *Response
	op := func() error {
		attempts++
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx := ctx
		if r.policy.RequestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.RequestTimeout)
			defer cancel()
		}

		start := time.Now()
		out, err := p.Complete(attemptCtx, req)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			if ctx.Err() != nil {
				observeAttempt(p.Name(), "canceled", elapsed)
				return backoff.Permanent(ctx.Err())
			}
			if !IsTransient(err) {
				observeAttempt(p.Name(), "permanent_error", elapsed)
				return backoff.Permanent(err)
			}
			observeAttempt(p.Name(), "transient_error", elapsed)
			return err
		}
		observeAttempt(p.Name(), "success", elapsed)
		resp = out
		return nil
	}
	notify := func(err error, next time.Duration) {
		if onAttempt != nil {
			onAttempt(Attempt{Number: attempts, MaxAttempts: r.policy.MaxAttempts, Err: err, NextDelay: next})
		}
	}

	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return &Outcome{Attempts: attempts}, err
	}

	res, err := r.adapters.Parse(HintFor(&req.Config), resp.Raw)
	if err != nil {
		return &Outcome{Raw: resp.Raw, Attempts: attempts}, err
	}
	observeParse(res.Adapter, res.Partial)
	return &Outcome{Result: res, Raw: resp.Raw, Attempts: attempts}, nil
}

// Exhausted reports whether err means the attempt bound was used up on transient failures.
func Exhausted(err error) bool {
	return err != nil && IsTransient(err) && !errors.Is(err, ErrUnparseable)
}
