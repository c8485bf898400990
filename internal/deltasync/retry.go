// Package deltasync turns unreliable provider fetches into bounded,
// classified sync cycles and drives an account from bootstrap to steady
// incremental sync.
package deltasync

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/syncerr"
)

const (
	DefaultRetryLimit = 3
	DefaultBaseDelay  = 5 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

type RetryPolicy struct {
	Limit     int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Limit:     DefaultRetryLimit,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
	}
}

// Delay is the wait before retry number attempt, starting at 1. It doubles
// from BaseDelay and never exceeds MaxDelay. A positive hint from the
// provider wins when it is shorter than MaxDelay.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if hint > 0 {
		if hint > maxDelay {
			return maxDelay
		}
		return hint
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

type FetchResult struct {
	Patch    maildb.Patch
	Metadata maildb.Metadata
	// Skipped marks an empty result returned after a skippable failure.
	Skipped  bool
	Attempts int
}

type FetchFunc func(ctx context.Context) (FetchResult, error)

type Classification struct {
	Err        error
	Retriable  bool
	Skippable  bool
	RetryAfter time.Duration
}

type ClassifyFunc func(err error) Classification

// WithRetry runs fetch, retrying retriable failures with backoff. After the
// last attempt a skippable failure yields an empty result that carries last.
func WithRetry(ctx context.Context, policy RetryPolicy, fetch FetchFunc, classify ClassifyFunc, last maildb.Metadata) (FetchResult, error) {
	if classify == nil {
		classify = DefaultClassify
	}
	for attempt := 0; ; attempt++ {
		result, err := fetch(ctx)
		if err == nil {
			result.Attempts = attempt + 1
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return FetchResult{}, ctxErr
		}
		class := classify(err)
		if class.Err == nil {
			class.Err = err
		}
		if !class.Retriable {
			return FetchResult{}, class.Err
		}
		if attempt >= policy.Limit {
			if class.Skippable {
				return FetchResult{Metadata: last.Clone(), Skipped: true, Attempts: attempt + 1}, nil
			}
			return FetchResult{}, syncerr.Wrap(syncerr.KindRetriableTransport, class.Err, "gave up after %d attempts", attempt+1)
		}
		delay := policy.Delay(attempt+1, class.RetryAfter)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, delay, class.Err)
		}
		if err := waitWithContext(ctx, delay); err != nil {
			return FetchResult{}, err
		}
	}
}

// DefaultClassify treats lost connections, provider 503/504 answers and
// per-attempt deadlines as retriable and skippable. Everything else is fatal.
func DefaultClassify(err error) Classification {
	class := Classification{Err: err}
	if err == nil || errors.Is(err, context.Canceled) {
		return class
	}
	var transport *syncerr.TransportError
	if errors.As(err, &transport) {
		class.Retriable = transport.Retriable()
		class.Skippable = class.Retriable
		return class
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 0, -1, 503, 504:
			class.Retriable = true
			class.Skippable = true
			class.RetryAfter = httpErr.RetryAfter
		}
		return class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		class.Retriable = true
		class.Skippable = true
		return class
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		class.Retriable = true
		class.Skippable = true
		return class
	}
	if strings.Contains(strings.ToLower(err.Error()), "offline") {
		class.Retriable = true
		class.Skippable = true
	}
	return class
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
