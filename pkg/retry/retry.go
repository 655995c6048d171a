// Package retry implements a bounded retry policy for flaky remote calls.
//
// Delays follow a fixed schedule: the first attempt waits InitialDelay, the
// second waits Delay and every later attempt n waits
// Delay * Multiplier^(n-2). Before any wait after the first attempt the
// policy checks MaxLifetime and gives up with types.ErrBudgetExhausted
// instead of sleeping past it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"code.cloudfoundry.org/clock"
	retrygo "github.com/avast/retry-go/v4"

	"github.com/cuemby/lifeguard/pkg/types"
)

// Policy configures one retried operation
type Policy struct {
	InitialDelay time.Duration
	Delay        time.Duration

	// MaxAttempts of 0 retries until success or budget exhaustion
	MaxAttempts int

	// Multiplier applies from the third attempt onward; values <= 1 keep
	// the delay constant
	Multiplier float64

	// Retryable selects the errors worth retrying; nil retries every error
	Retryable func(error) bool

	// MaxLifetime bounds the total time spent, including delays; 0 is
	// unbounded
	MaxLifetime time.Duration

	// OnRetry is called after every failed attempt that will be retried
	OnRetry func(attempt int, err error)

	Clock clock.Clock
}

// DelayBefore returns how long to wait before the given 1-based attempt
func (p Policy) DelayBefore(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return p.InitialDelay
	case attempt == 2 || p.Multiplier <= 1:
		return p.Delay
	default:
		return time.Duration(float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-2)))
	}
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.NewClock()
	}
	return p.Clock
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or would overrun MaxLifetime. Errors from op are returned
// unchanged; budget exhaustion wraps the last error in
// types.ErrBudgetExhausted.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	clk := p.clock()
	start := clk.Now()

	if p.InitialDelay > 0 {
		select {
		case <-clk.After(p.InitialDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		attempts  int
		lastErr   error
		exhausted bool
	)

	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	err := retrygo.Do(
		func() error {
			attempts++
			lastErr = op(runCtx)
			return lastErr
		},
		retrygo.Context(runCtx),
		retrygo.Attempts(uint(p.MaxAttempts)),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(retryable),
		retrygo.OnRetry(func(_ uint, err error) {
			// retry-go also reports the final attempt
			if p.OnRetry == nil || (p.MaxAttempts > 0 && attempts >= p.MaxAttempts) {
				return
			}
			p.OnRetry(attempts, err)
		}),
		retrygo.DelayType(func(_ uint, _ error, _ *retrygo.Config) time.Duration {
			delay := p.DelayBefore(attempts + 1)
			if p.MaxLifetime > 0 && clk.Since(start)+delay > p.MaxLifetime {
				exhausted = true
				cancel()
				return 0
			}
			return delay
		}),
		retrygo.WithTimer(&budgetTimer{clock: clk, exhausted: &exhausted}),
	)

	switch {
	case err == nil:
		return nil
	case exhausted:
		return fmt.Errorf("%w after %d attempts in %s: %w", types.ErrBudgetExhausted, attempts, clk.Since(start).Round(time.Millisecond), lastErr)
	case ctx.Err() != nil:
		return ctx.Err()
	case lastErr != nil:
		return lastErr
	}
	return err
}

// budgetTimer never fires once the budget is spent so the cancelled
// context is the only ready case in retry-go's select.
type budgetTimer struct {
	clock     clock.Clock
	exhausted *bool
}

func (t *budgetTimer) After(d time.Duration) <-chan time.Time {
	if *t.exhausted {
		return nil
	}
	return t.clock.After(d)
}

// Transient retries only errors that wrap a types.TransientInfraError
func Transient(err error) bool {
	var transient *types.TransientInfraError
	return errors.As(err, &transient)
}
