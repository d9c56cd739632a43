// Package hooks implements the fixed callback registry from spec §4.6:
// before/around/after enqueue and job-execution hooks, failure/fatal
// callbacks, and startup/shutdown hooks. around_* handlers are chained as
// a left-fold (spec §9) and must each invoke their "next" exactly once.
package hooks

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// JobFunc is the body an around-hook wraps.
type JobFunc func(ctx context.Context) error

// AroundFunc is a single around-hook: it must call next() exactly once.
type AroundFunc func(ctx context.Context, next JobFunc) error

// ErrMissingYield is raised when an around-hook returns without invoking
// its next link (spec §4.6 "missing-yield error").
var ErrMissingYield = fmt.Errorf("hooks: around handler did not invoke next()")

// Registry holds the named hook slots from spec §4.6/§6.5. The zero value
// is usable. A process-wide Default() registry exists for convenience
// (spec §9 "Global state... prefer an injected registry... with a
// process-wide default"), but every Worker should be constructed with its
// own Registry.
type Registry struct {
	mu sync.RWMutex

	beforeEnqueue []func(ctx context.Context, jobID string) error
	aroundEnqueue []AroundFunc
	afterEnqueue  []func(ctx context.Context, jobID string, err error)

	beforeExecution []func(ctx context.Context, jobID string) error
	aroundExecution []AroundFunc
	afterExecution  []func(ctx context.Context, jobID string, err error)

	onJobFailure []func(ctx context.Context, jobID string, err error)
	onFatalError []func(ctx context.Context, err error)

	beforeStartup  []func(ctx context.Context) error
	afterStartup   []func(ctx context.Context) error
	beforeShutdown []func(ctx context.Context) error
	afterShutdown  []func(ctx context.Context) error

	inFatalHandler bool // one-level re-entry guard, spec §4.6
}

// New returns an empty Registry.
func New() *Registry { return &Registry{} }

func (r *Registry) OnBeforeEnqueue(fn func(ctx context.Context, jobID string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeEnqueue = append(r.beforeEnqueue, fn)
}

func (r *Registry) OnAroundEnqueue(fn AroundFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aroundEnqueue = append(r.aroundEnqueue, fn)
}

func (r *Registry) OnAfterEnqueue(fn func(ctx context.Context, jobID string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterEnqueue = append(r.afterEnqueue, fn)
}

func (r *Registry) OnBeforeJobExecution(fn func(ctx context.Context, jobID string) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeExecution = append(r.beforeExecution, fn)
}

func (r *Registry) OnAroundJobExecution(fn AroundFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aroundExecution = append(r.aroundExecution, fn)
}

func (r *Registry) OnAfterJobExecution(fn func(ctx context.Context, jobID string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterExecution = append(r.afterExecution, fn)
}

func (r *Registry) OnJobFailure(fn func(ctx context.Context, jobID string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onJobFailure = append(r.onJobFailure, fn)
}

func (r *Registry) OnFatalError(fn func(ctx context.Context, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFatalError = append(r.onFatalError, fn)
}

func (r *Registry) OnBeforeStartup(fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeStartup = append(r.beforeStartup, fn)
}

func (r *Registry) OnAfterStartup(fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterStartup = append(r.afterStartup, fn)
}

func (r *Registry) OnBeforeShutdown(fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeShutdown = append(r.beforeShutdown, fn)
}

func (r *Registry) OnAfterShutdown(fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterShutdown = append(r.afterShutdown, fn)
}

// RunJobExecution runs before/around/after job-execution hooks around
// body, per spec §4.4 step 3. Errors and panics from before hooks and
// panics from after hooks are logged and swallowed. The result is the
// value returned by the around chain: the body's own error, an error an
// around hook returns instead, or ErrMissingYield.
func (r *Registry) RunJobExecution(ctx context.Context, logger *zap.Logger, jobID string, body JobFunc) error {
	r.mu.RLock()
	before := append([]func(ctx context.Context, jobID string) error{}, r.beforeExecution...)
	around := append([]AroundFunc{}, r.aroundExecution...)
	after := append([]func(ctx context.Context, jobID string, err error){}, r.afterExecution...)
	r.mu.RUnlock()

	for _, fn := range before {
		if err := safeCall(logger, func() error { return fn(ctx, jobID) }); err != nil {
			logger.Warn("before_job_execution hook failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	chained := chain(around, body)
	err := chained(ctx)

	for _, fn := range after {
		func() {
			defer recoverAndLog(logger, "after_job_execution")
			fn(ctx, jobID, err)
		}()
	}

	return err
}

// RunEnqueue runs before/around/after enqueue hooks around body, per spec
// §4.6, with the same error handling as RunJobExecution: before-hook
// errors and panics are logged and swallowed, and the around chain's
// result (the body's error, an around hook's own error, or
// ErrMissingYield) is returned.
func (r *Registry) RunEnqueue(ctx context.Context, logger *zap.Logger, jobID string, body JobFunc) error {
	r.mu.RLock()
	before := append([]func(ctx context.Context, jobID string) error{}, r.beforeEnqueue...)
	around := append([]AroundFunc{}, r.aroundEnqueue...)
	after := append([]func(ctx context.Context, jobID string, err error){}, r.afterEnqueue...)
	r.mu.RUnlock()

	for _, fn := range before {
		if err := safeCall(logger, func() error { return fn(ctx, jobID) }); err != nil {
			logger.Warn("before_enqueue hook failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	chained := chain(around, body)
	err := chained(ctx)

	for _, fn := range after {
		func() {
			defer recoverAndLog(logger, "after_enqueue")
			fn(ctx, jobID, err)
		}()
	}

	return err
}

// chain left-folds the around-hooks so the outermost call is the first
// registered handler and body runs in the middle (spec §9).
func chain(around []AroundFunc, body JobFunc) JobFunc {
	wrapped := body
	for i := len(around) - 1; i >= 0; i-- {
		fn := around[i]
		next := wrapped
		wrapped = func(ctx context.Context) error {
			called := false
			err := fn(ctx, func(ctx context.Context) error {
				called = true
				return next(ctx)
			})
			if !called {
				return ErrMissingYield
			}
			return err
		}
	}
	return wrapped
}

// RunJobFailure invokes on_job_failure (spec §4.4 step 8; not invoked for
// discard signals per step 7).
func (r *Registry) RunJobFailure(ctx context.Context, logger *zap.Logger, jobID string, jobErr error) {
	r.mu.RLock()
	handlers := append([]func(ctx context.Context, jobID string, err error){}, r.onJobFailure...)
	r.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer recoverAndLog(logger, "on_job_failure")
			fn(ctx, jobID, jobErr)
		}()
	}
}

// RunFatalError invokes on_fatal_error, suppressing a recursive
// invocation from within a fatal handler (spec §4.6 "one-level re-entry
// guard").
func (r *Registry) RunFatalError(ctx context.Context, logger *zap.Logger, fatalErr error) {
	r.mu.Lock()
	if r.inFatalHandler {
		r.mu.Unlock()
		logger.Error("suppressed re-entrant on_fatal_error", zap.Error(fatalErr))
		return
	}
	r.inFatalHandler = true
	handlers := append([]func(ctx context.Context, err error){}, r.onFatalError...)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFatalHandler = false
		r.mu.Unlock()
	}()

	for _, fn := range handlers {
		func() {
			defer recoverAndLog(logger, "on_fatal_error")
			fn(ctx, fatalErr)
		}()
	}
}

func (r *Registry) runLifecycle(ctx context.Context, logger *zap.Logger, name string, fns []func(ctx context.Context) error) error {
	for _, fn := range fns {
		if err := safeCall(logger, func() error { return fn(ctx) }); err != nil {
			return fmt.Errorf("%s hook failed: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) RunBeforeStartup(ctx context.Context, logger *zap.Logger) error {
	r.mu.RLock()
	fns := append([]func(ctx context.Context) error{}, r.beforeStartup...)
	r.mu.RUnlock()
	return r.runLifecycle(ctx, logger, "before_startup", fns)
}

func (r *Registry) RunAfterStartup(ctx context.Context, logger *zap.Logger) error {
	r.mu.RLock()
	fns := append([]func(ctx context.Context) error{}, r.afterStartup...)
	r.mu.RUnlock()
	return r.runLifecycle(ctx, logger, "after_startup", fns)
}

func (r *Registry) RunBeforeShutdown(ctx context.Context, logger *zap.Logger) error {
	r.mu.RLock()
	fns := append([]func(ctx context.Context) error{}, r.beforeShutdown...)
	r.mu.RUnlock()
	return r.runLifecycle(ctx, logger, "before_shutdown", fns)
}

func (r *Registry) RunAfterShutdown(ctx context.Context, logger *zap.Logger) error {
	r.mu.RLock()
	fns := append([]func(ctx context.Context) error{}, r.afterShutdown...)
	r.mu.RUnlock()
	return r.runLifecycle(ctx, logger, "after_shutdown", fns)
}

func safeCall(logger *zap.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn()
}

func recoverAndLog(logger *zap.Logger, hookName string) {
	if r := recover(); r != nil {
		logger.Error("hook panicked", zap.String("hook", hookName), zap.Any("panic", r))
	}
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = New()
)

// Default returns the process-wide convenience registry (spec §9).
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}
