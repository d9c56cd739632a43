package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunJobExecution_RunsBodyWithNoHooks(t *testing.T) {
	r := New()
	called := false
	err := r.RunJobExecution(context.Background(), zap.NewNop(), "job-1", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRunJobExecution_AroundHooksChainInRegistrationOrder(t *testing.T) {
	r := New()
	var order []string

	r.OnAroundJobExecution(func(ctx context.Context, next JobFunc) error {
		order = append(order, "outer-before")
		err := next(ctx)
		order = append(order, "outer-after")
		return err
	})
	r.OnAroundJobExecution(func(ctx context.Context, next JobFunc) error {
		order = append(order, "inner-before")
		err := next(ctx)
		order = append(order, "inner-after")
		return err
	})

	err := r.RunJobExecution(context.Background(), zap.NewNop(), "job-1", func(ctx context.Context) error {
		order = append(order, "body")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"outer-before", "inner-before", "body", "inner-after", "outer-after"}, order)
}

func TestRunJobExecution_MissingYieldIsReported(t *testing.T) {
	r := New()
	r.OnAroundJobExecution(func(ctx context.Context, next JobFunc) error {
		return nil // never calls next
	})

	err := r.RunJobExecution(context.Background(), zap.NewNop(), "job-1", func(ctx context.Context) error {
		t.Fatal("body must not run when an around-hook never yields")
		return nil
	})

	assert.ErrorIs(t, err, ErrMissingYield)
}

func TestRunJobExecution_BodyErrorPropagates(t *testing.T) {
	r := New()
	wantErr := errors.New("boom")

	err := r.RunJobExecution(context.Background(), zap.NewNop(), "job-1", func(ctx context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
}

func TestRunJobExecution_BeforeHookPanicIsSwallowed(t *testing.T) {
	r := New()
	r.OnBeforeJobExecution(func(ctx context.Context, jobID string) error {
		panic("before hook exploded")
	})

	bodyRan := false
	err := r.RunJobExecution(context.Background(), zap.NewNop(), "job-1", func(ctx context.Context) error {
		bodyRan = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, bodyRan, "a panicking before-hook must not prevent the job body from running")
}

func TestRunJobExecution_AfterHookReceivesError(t *testing.T) {
	r := New()
	wantErr := errors.New("body failed")
	var gotErr error

	r.OnAfterJobExecution(func(ctx context.Context, jobID string, err error) {
		gotErr = err
	})

	_ = r.RunJobExecution(context.Background(), zap.NewNop(), "job-1", func(ctx context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, gotErr, wantErr)
}

func TestRunFatalError_SuppressesReentrantCall(t *testing.T) {
	r := New()
	var calls int

	r.OnFatalError(func(ctx context.Context, err error) {
		calls++
		if calls == 1 {
			r.RunFatalError(ctx, zap.NewNop(), errors.New("nested"))
		}
	})

	r.RunFatalError(context.Background(), zap.NewNop(), errors.New("outer"))

	assert.Equal(t, 1, calls, "a fatal handler calling RunFatalError again must be suppressed")
}

func TestRunFatalError_PanicIsSwallowed(t *testing.T) {
	r := New()
	r.OnFatalError(func(ctx context.Context, err error) {
		panic("fatal handler exploded")
	})

	assert.NotPanics(t, func() {
		r.RunFatalError(context.Background(), zap.NewNop(), errors.New("boom"))
	})
}

func TestDefault_ReturnsSameRegistryAcrossCalls(t *testing.T) {
	assert.Same(t, Default(), Default())
}
