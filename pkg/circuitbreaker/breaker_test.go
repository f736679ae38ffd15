package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPeer = errors.New("connection refused")

func tripAfter(n uint32) Settings {
	return Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= n },
	}
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	var transitions []State
	st := tripAfter(3)
	st.OnStateChange = func(_ string, _ State, to State) {
		transitions = append(transitions, to)
	}
	cb := NewCircuitBreaker(st)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errPeer }), errPeer)
	}
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
	assert.True(t, IsRejection(err))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(tripAfter(1))
	_ = cb.Execute(func() error { return errPeer })
	require.Equal(t, StateOpen, cb.State())

	cb.ForceHalfOpen()
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(func() error { return errPeer })
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker(tripAfter(1))
	_ = cb.Execute(func() error { return errPeer })
	cb.ForceHalfOpen()

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()

	require.Eventually(t, func() bool { return cb.Counts().Requests == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestIsFailureFilter(t *testing.T) {
	permanent := errors.New("550 mailbox unavailable")
	st := tripAfter(1)
	st.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, permanent) }
	cb := NewCircuitBreaker(st)

	assert.ErrorIs(t, cb.Execute(func() error { return permanent }), permanent)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCall(t *testing.T) {
	cb := NewCircuitBreaker(tripAfter(2))
	v, err := Call(cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestExecuteContextCancelled(t *testing.T) {
	cb := NewCircuitBreaker(tripAfter(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.ExecuteContext(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, StateClosed, cb.State())
}

func TestPanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(tripAfter(1))
	assert.Panics(t, func() {
		_ = cb.Execute(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, cb.State())
}
