// Package workerutil runs background workers with panic recovery and
// bounded restart backoff. The session sweeper, persistence queue and task
// pruner all run under it.
package workerutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMaxRetries     = 10
)

// RecoveryOptions tunes the restart loop. Zero values take the defaults;
// MaxRetries of 1 means run once with no restart.
type RecoveryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int

	// OnPanic fires after each recovered panic, before the backoff wait.
	OnPanic func(worker string, attempt int)
	// OnFatal fires when MaxRetries is exhausted.
	OnFatal func(worker string, maxRetries int)
	// IsShutdown short-circuits restarts during teardown. Nil means never.
	IsShutdown func() bool
}

func (opts RecoveryOptions) applyDefaults() RecoveryOptions {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return opts
}

// Go launches fn on a wg-tracked goroutine with panic recovery and
// exponential backoff restarts. fn should select on ctx.Done.
func Go(ctx context.Context, name string, wg *sync.WaitGroup, fn func(ctx context.Context), opts RecoveryOptions) {
	opts = opts.applyDefaults()
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx, name, fn, opts)
	}()
}

// WithRecovery runs fn on the calling goroutine under the default restart
// policy. Intended for `go workerutil.WithRecovery(name, fn)`.
func WithRecovery(name string, fn func()) {
	run(context.Background(), name, func(context.Context) { fn() }, RecoveryOptions{}.applyDefaults())
}

func run(ctx context.Context, name string, fn func(ctx context.Context), opts RecoveryOptions) {
	delay := opts.InitialBackoff

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[worker] recovered from panic",
						"worker", name, "panic", r, "stack", string(debug.Stack()))
					panicked = true
				}
			}()
			fn(ctx)
		}()

		if !panicked || ctx.Err() != nil {
			return
		}
		if opts.IsShutdown != nil && opts.IsShutdown() {
			slog.Info("[worker] shutdown in progress, not restarting", "worker", name)
			return
		}

		slog.Warn("[worker] restarting after panic",
			"worker", name, "delay", delay, "attempt", attempt+1)
		if opts.OnPanic != nil {
			opts.OnPanic(name, attempt+1)
		}
		if attempt == opts.MaxRetries-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = nextBackoff(delay, opts.MaxBackoff)
	}

	slog.Error("[worker] exceeded max retries, giving up",
		"worker", name, "maxRetries", opts.MaxRetries)
	if opts.OnFatal != nil {
		opts.OnFatal(name, opts.MaxRetries)
	}
}

// nextBackoff doubles the delay, capped at maxBackoff and guarded against
// int64 wrap.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	if current <= 0 {
		return defaultInitialBackoff
	}
	if current >= maxBackoff {
		return maxBackoff
	}
	next := current * 2
	if next > maxBackoff || next < current {
		return maxBackoff
	}
	return next
}
