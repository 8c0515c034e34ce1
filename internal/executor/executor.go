// Package executor wraps every adapter call with a per-attempt timeout, bounded
// exponential backoff with jitter and a per-integration circuit breaker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/telemetry"
)

type Op string

const (
	OpConnect     Op = "connect"
	OpSearch      Op = "search"
	OpFetch       Op = "fetch"
	OpHealthcheck Op = "healthcheck"
	OpPush        Op = "push"
)

// Retryable reports whether op is a read that is safe to repeat.
func (o Op) Retryable() bool {
	return o == OpSearch || o == OpFetch || o == OpHealthcheck
}

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

var errAttemptTimeout = errors.New("attempt timed out")

type Options struct {
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
	Logger           *slog.Logger
	Metrics          *telemetry.Metrics
	// Observer, when set, receives every attempt after Metrics.
	Observer func(domain.RequestAttempt)
	Tracer   trace.Tracer
}

type Executor struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*limiter
}

type limiter struct {
	rps float64
	l   *rate.Limiter
}

func New(opts Options) *Executor {
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = DefaultBreakerCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	return &Executor{
		opts:     opts,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		breakers: map[string]*gobreaker.CircuitBreaker{},
		limiters: map[string]*limiter{},
	}
}

func (e *Executor) breaker(name string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[name]; ok {
		return cb
	}
	threshold := e.opts.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     e.opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, domain.ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed", "integration", name, "from", from.String(), "to", to.String())
			e.opts.Metrics.SetBreakerState(name, int(to))
		},
	})
	e.breakers[name] = cb
	return cb
}

func (e *Executor) limiter(in domain.Integration) *rate.Limiter {
	if in.RequestsPerSecond <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.limiters[in.Name]; ok && l.rps == in.RequestsPerSecond {
		return l.l
	}
	burst := int(in.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	l := &limiter{rps: in.RequestsPerSecond, l: rate.NewLimiter(rate.Limit(in.RequestsPerSecond), burst)}
	e.limiters[in.Name] = l
	return l.l
}

// State is the breaker state of an integration; integrations never called are closed.
func (e *Executor) State(name string) gobreaker.State {
	e.mu.Lock()
	cb, ok := e.breakers[name]
	e.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Forget drops the breaker and limiter of an integration.
func (e *Executor) Forget(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.breakers, name)
	delete(e.limiters, name)
}

// Run executes fn under the integration's policy. Reads are retried on transient
// failures; every other op runs once.
func Run[T any](ctx context.Context, e *Executor, in domain.Integration, op Op, fn func(context.Context) (T, error)) (T, error) {
	v, _, err := run(ctx, e, in, op, fn, false)
	return v, err
}

// Search retries the eager first page of a search. The returned sequence keeps the
// successful attempt's context alive until iteration ends.
func (e *Executor) Search(ctx context.Context, in domain.Integration, fn func(context.Context) (iter.Seq2[domain.RawRecord, error], error)) (iter.Seq2[domain.RawRecord, error], error) {
	seq, release, err := run(ctx, e, in, OpSearch, fn, true)
	if err != nil {
		return nil, err
	}
	return func(yield func(domain.RawRecord, error) bool) {
		defer release()
		for rec, err := range seq {
			if err != nil {
				err = domain.WithIntegration(in.Name, domain.NewError(domain.ErrTransient, string(OpSearch), err))
			}
			if !yield(rec, err) {
				return
			}
		}
	}, nil
}

func run[T any](ctx context.Context, e *Executor, in domain.Integration, op Op, fn func(context.Context) (T, error), keep bool) (T, func(), error) {
	policy := in.RetryPolicy.WithDefaults()
	maxRetries := uint64(0)
	if op.Retryable() {
		maxRetries = uint64(policy.MaxAttempts - 1)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(policy), maxRetries), ctx)

	var (
		out     T
		release func()
		n       int
	)
	err := backoff.Retry(func() error {
		n++
		v, rel, err := attempt(ctx, e, in, op, n, fn, keep)
		if err == nil {
			out, release = v, rel
			return nil
		}
		if ctx.Err() != nil || !errors.Is(err, domain.ErrTransient) {
			return backoff.Permanent(err)
		}
		e.logger.Debug("attempt failed, will retry", "integration", in.Name, "op", op, "attempt", n, "err", err)
		return err
	}, b)
	if err != nil {
		var zero T
		if cerr := ctx.Err(); cerr != nil {
			return zero, nil, cerr
		}
		return zero, nil, domain.WithIntegration(in.Name, err)
	}
	return out, release, nil
}

func attempt[T any](ctx context.Context, e *Executor, in domain.Integration, op Op, n int, fn func(context.Context) (T, error), keep bool) (T, func(), error) {
	var out T
	if l := e.limiter(in); l != nil {
		if err := l.Wait(ctx); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return out, nil, cerr
			}
			return out, nil, domain.NewError(domain.ErrTransient, string(op), err)
		}
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultTimeout
	}
	actx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(errAttemptTimeout) })
	actx, span := e.tracer.Start(actx, "integration."+string(op), trace.WithAttributes(
		attribute.String("integration.name", in.Name),
		attribute.String("integration.provider_type", string(in.ProviderType)),
		attribute.Int("attempt", n),
	))

	start := time.Now()
	cb := e.breaker(in.Name)
	var err error
	switch {
	case op == OpConnect && cb.State() == gobreaker.StateOpen:
		err = gobreaker.ErrOpenState
	case op == OpConnect:
		out, err = connectOutside(ctx, actx, cb, op, fn, timeout)
	default:
		_, err = cb.Execute(func() (interface{}, error) {
			v, err := fn(actx)
			if err != nil {
				return nil, classify(ctx, actx, op, err, timeout)
			}
			out = v
			return nil, nil
		})
	}
	timer.Stop()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = domain.Errorf(domain.ErrCircuitOpen, string(op), "circuit open for %s", in.Name)
	}
	e.observe(domain.RequestAttempt{
		Timestamp:   start,
		Integration: in.Name,
		Op:          string(op),
		Attempt:     n,
		Outcome:     outcome(ctx, err),
		Latency:     time.Since(start),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.KindName(err))
	}
	span.End()

	if err != nil || !keep {
		cancel(nil)
		if err != nil {
			var zero T
			return zero, nil, err
		}
		return out, nil, nil
	}
	return out, func() { cancel(nil) }, nil
}

// connectOutside runs a connect without holding a breaker slot. Only transient
// failures are recorded. A session opening must neither reset the failure streak
// nor use up the half-open trial; the first read after it is the trial.
func connectOutside[T any](parent, actx context.Context, cb *gobreaker.CircuitBreaker, op Op, fn func(context.Context) (T, error), timeout time.Duration) (T, error) {
	v, err := fn(actx)
	if err == nil {
		return v, nil
	}
	err = classify(parent, actx, op, err, timeout)
	if errors.Is(err, domain.ErrTransient) {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, err })
	}
	var zero T
	return zero, err
}

func classify(parent, actx context.Context, op Op, err error, timeout time.Duration) error {
	if cerr := parent.Err(); cerr != nil {
		return cerr
	}
	if errors.Is(context.Cause(actx), errAttemptTimeout) {
		return &domain.Error{Kind: domain.ErrTransient, Op: string(op), Err: fmt.Errorf("%w after %s", errAttemptTimeout, timeout)}
	}
	if domain.KindOf(err) == nil {
		return domain.NewError(domain.ErrTransient, string(op), err)
	}
	return err
}

func outcome(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "ok"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return domain.KindName(err)
	}
}

func (e *Executor) observe(a domain.RequestAttempt) {
	e.opts.Metrics.ObserveAttempt(a)
	if e.opts.Observer != nil {
		e.opts.Observer(a)
	}
}

func newBackOff(p domain.RetryPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
