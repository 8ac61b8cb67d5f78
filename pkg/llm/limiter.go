package llm

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/entrhq/webpilot/pkg/types"
)

// LimitOptions configure a LimitedProvider.
type LimitOptions struct {
	// RequestsPerMinute caps call starts. Zero or less disables the limit.
	RequestsPerMinute int

	// Attempts is the total number of tries for a rate-limited call.
	Attempts uint

	// Delay is the fixed wait between tries.
	Delay time.Duration
}

// LimitedProvider paces calls with a token bucket and retries calls the API
// rejected with ErrRateLimited.
type LimitedProvider struct {
	Provider
	limiter *rate.Limiter
	opts    LimitOptions
}

// NewLimitedProvider wraps p. Wrappers sharing a limiter share its budget;
// pass nil to create one from opts.
func NewLimitedProvider(p Provider, limiter *rate.Limiter, opts LimitOptions) *LimitedProvider {
	if limiter == nil {
		limiter = NewLimiter(opts.RequestsPerMinute)
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &LimitedProvider{Provider: p, limiter: limiter, opts: opts}
}

// NewLimiter returns a limiter allowing perMinute calls per minute with a
// burst of one. Zero or less means unlimited.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func (l *LimitedProvider) do(ctx context.Context, call func() error) error {
	return retry.Do(
		func() error {
			if err := l.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			return call()
		},
		retry.Context(ctx),
		retry.Attempts(l.opts.Attempts),
		retry.Delay(l.opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrRateLimited)
		}),
		retry.LastErrorOnly(true),
	)
}

// StreamCompletion waits for the limiter and retries while the stream
// cannot start because of rate limiting.
func (l *LimitedProvider) StreamCompletion(ctx context.Context, messages []*types.Message) (<-chan *StreamChunk, error) {
	var stream <-chan *StreamChunk
	err := l.do(ctx, func() error {
		var err error
		stream, err = l.Provider.StreamCompletion(ctx, messages)
		return err
	})
	return stream, err
}

// Complete waits for the limiter and retries rate-limited calls.
func (l *LimitedProvider) Complete(ctx context.Context, messages []*types.Message) (*types.Message, error) {
	var msg *types.Message
	err := l.do(ctx, func() error {
		var err error
		msg, err = l.Provider.Complete(ctx, messages)
		return err
	})
	return msg, err
}

// CloneWithModel retargets the wrapped provider and keeps the shared limiter.
func (l *LimitedProvider) CloneWithModel(model string) Provider {
	if cloner, ok := l.Provider.(ModelCloner); ok {
		return NewLimitedProvider(cloner.CloneWithModel(model), l.limiter, l.opts)
	}
	return l
}
