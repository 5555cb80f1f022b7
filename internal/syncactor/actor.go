// Package syncactor implements the single-owner actor that serializes
// every replica action through one goroutine.
//
// The queue carries a closure per submitted action rather than a
// closed event struct dispatched through a switch: the replica action
// surface (Open, Close, InsertLocal, SyncProcessMessage, GetExact,
// ...) is wide and each action needs a differently-typed reply, so a
// closure capturing its own typed result channel is simpler than a
// 19-case switch over a hand-rolled enum. The single-writer guarantee
// is the same either way.
package syncactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultQueueCapacity is the bounded action queue's capacity.
const DefaultQueueCapacity = 1024

// DefaultFlushInterval is MAX_COMMIT_DELAY's default: the actor
// force-commits every open replica's pending write transaction at
// least this often, even with no read request forcing the issue.
const DefaultFlushInterval = 500 * time.Millisecond

type job struct {
	run   func(ctx context.Context, reg *Registry) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// Actor owns the Registry of open replica handles and runs every
// action against it from a single goroutine.
type Actor struct {
	reg           *Registry
	queue         chan job
	logger        *slog.Logger
	flushInterval time.Duration

	// stopped is set by the Shutdown action's closure and observed by
	// Run after each job; only ever touched from the Run goroutine.
	stopped bool
}

// New constructs an Actor over reg with the default bounded queue
// capacity.
func New(reg *Registry, opts ...Option) *Actor {
	a := &Actor{
		reg:           reg,
		queue:         make(chan job, DefaultQueueCapacity),
		logger:        slog.Default(),
		flushInterval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option configures an Actor at construction.
type Option func(*Actor)

// WithQueueCapacity overrides DefaultQueueCapacity.
func WithQueueCapacity(n int) Option {
	return func(a *Actor) { a.queue = make(chan job, n) }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// WithFlushInterval overrides DefaultFlushInterval (MAX_COMMIT_DELAY).
// A zero interval disables the periodic flush timer entirely.
func WithFlushInterval(d time.Duration) Option {
	return func(a *Actor) { a.flushInterval = d }
}

// Run is the single-writer loop: must be called from exactly one
// goroutine. It drains the action queue until ctx is cancelled, at
// which point it force-flushes every open replica's pending write and
// returns ctx.Err(), so process termination force-commits before
// exit. A periodic ticker at flushInterval is the third suspension
// point alongside queue receives and ctx.Done.
func (a *Actor) Run(ctx context.Context) error {
	a.logger.Info("sync actor starting")

	var tick <-chan time.Time
	if a.flushInterval > 0 {
		ticker := time.NewTicker(a.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("sync actor stopping: context cancelled")
			if err := a.reg.FlushAll(context.Background()); err != nil {
				a.logger.Warn("flush on shutdown failed", "error", err)
			}
			return ctx.Err()
		case <-tick:
			if err := a.reg.FlushAll(ctx); err != nil {
				a.logger.Warn("periodic flush failed", "error", err)
			}
		case j := <-a.queue:
			value, err := j.run(ctx, a.reg)
			j.reply <- result{value: value, err: err}
			if a.stopped {
				a.logger.Info("sync actor stopping: shutdown action")
				return nil
			}
		}
	}
}

// submit enqueues fn and blocks for its result, unless ctx is
// cancelled first. This is the sole entry point every typed action
// method in actions.go goes through.
func submit[T any](ctx context.Context, a *Actor, fn func(ctx context.Context, reg *Registry) (T, error)) (T, error) {
	var zero T
	reply := make(chan result, 1)
	j := job{
		run: func(ctx context.Context, reg *Registry) (any, error) {
			return fn(ctx, reg)
		},
		reply: reply,
	}

	select {
	case a.queue <- j:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return zero, r.err
		}
		v, ok := r.value.(T)
		if !ok && r.value != nil {
			return zero, fmt.Errorf("syncactor: unexpected reply type %T", r.value)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
