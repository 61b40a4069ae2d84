// Package step implements durable, memoized step execution.
//
// A step is a named unit of side-effecting work inside a run. Once a step has
// completed for a run, its JSON-encoded result is stored and every later
// invocation with the same run id and step name returns the stored result
// without calling the step function again. Failed steps are retried with
// exponential backoff unless the error is classified as non-retriable.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"connectflow/pkg/ctxlog"
)

// Func is the body of a step.
type Func func(ctx context.Context) (any, error)

// Runner executes named steps.
type Runner interface {
	Run(ctx context.Context, name string, fn Func) (json.RawMessage, error)
}

// Store persists completed step results keyed by run id and step name.
type Store interface {
	Load(ctx context.Context, runID, name string) (json.RawMessage, bool, error)
	Save(ctx context.Context, runID, name string, output json.RawMessage) error
}

// Policy controls retries and per-attempt timeouts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration // per attempt; zero means no timeout
	Jitter     bool
}

func (p Policy) normalized() Policy {
	q := p
	if q.BaseDelay <= 0 {
		q.BaseDelay = 200 * time.Millisecond
	}
	if q.MaxDelay <= 0 {
		q.MaxDelay = 5 * time.Second
	}
	if q.MaxDelay < q.BaseDelay {
		q.MaxDelay = q.BaseDelay
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
	return q
}

// backoff returns the delay before retry number attempt (zero based).
func backoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	if !jitter {
		return d
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half))) // #nosec G404 non-crypto
}

// Durable is a Runner bound to one run. It is safe for sequential use by a
// single run; distinct runs use distinct Durable values.
type Durable struct {
	store  Store
	runID  string
	scope  string
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a Runner that memoizes steps for runID in store.
func New(store Store, runID string, policy Policy) *Durable {
	return &Durable{
		store:  store,
		runID:  runID,
		policy: policy.normalized(),
		sleep:  sleepContext,
	}
}

// RunID returns the run this runner memoizes steps for.
func (d *Durable) RunID() string { return d.runID }

// Scope returns a runner whose step names are prefixed with scope, so that
// equal step names used by different callers never share a stored result.
func (d *Durable) Scope(scope string) *Durable {
	c := *d
	c.scope = d.key(scope)
	return &c
}

func (d *Durable) key(name string) string {
	if d.scope == "" {
		return name
	}
	return d.scope + "/" + name
}

// Run executes fn at most once successfully per run and step name.
func (d *Durable) Run(ctx context.Context, name string, fn Func) (json.RawMessage, error) {
	key := d.key(name)
	logger := ctxlog.FromContext(ctx).With("step", key)

	stored, ok, err := d.store.Load(ctx, d.runID, key)
	if err != nil {
		return nil, fmt.Errorf("load step %q: %w", key, err)
	}
	if ok {
		logger.Debug("Step replayed from memo")
		return stored, nil
	}

	var lastErr error
	for attempt := 0; attempt <= d.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt-1, d.policy.BaseDelay, d.policy.MaxDelay, d.policy.Jitter)
			logger.Warn("Retrying step", "attempt", attempt+1, "wait", wait, "error", lastErr)
			if err := d.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("step %q: %w", key, err)
			}
		}

		out, err := d.attempt(ctx, fn)
		if err == nil {
			raw, merr := json.Marshal(out)
			if merr != nil {
				return nil, NonRetriable(fmt.Errorf("encode result of step %q: %w", key, merr))
			}
			if err := d.store.Save(ctx, d.runID, key, raw); err != nil {
				return nil, fmt.Errorf("save step %q: %w", key, err)
			}
			logger.Debug("Step completed", "attempts", attempt+1)
			return raw, nil
		}

		lastErr = err
		if IsNonRetriable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("step %q: %w", key, ctx.Err())
		}
	}

	return nil, &RetriesExhaustedError{Step: key, Attempts: d.policy.MaxRetries + 1, Err: lastErr}
}

func (d *Durable) attempt(ctx context.Context, fn Func) (any, error) {
	if d.policy.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn as a step on r and decodes the memoized result into T. The value
// returned on first execution is round-tripped through JSON so that a replay
// observes exactly the same value.
func Do[T any](ctx context.Context, r Runner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := r.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, NonRetriable(fmt.Errorf("decode result of step %q: %w", name, err))
	}
	return out, nil
}

// RetriesExhaustedError is returned when every attempt of a step failed with
// a retriable error.
type RetriesExhaustedError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// NonRetriableError marks an error that must never be retried.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string { return e.Err.Error() }

func (e *NonRetriableError) Unwrap() error { return e.Err }

// NonRetriable reports true.
func (e *NonRetriableError) NonRetriable() bool { return true }

// NonRetriable wraps err so that IsNonRetriable reports true for it.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriableError{Err: err}
}

type classifier interface {
	NonRetriable() bool
}

// IsNonRetriable reports whether any error in err's chain classifies itself
// as non-retriable.
func IsNonRetriable(err error) bool {
	for err != nil {
		if c, ok := err.(classifier); ok {
			if c.NonRetriable() {
				return true
			}
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if IsNonRetriable(e) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}
