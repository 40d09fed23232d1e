package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantTimer fires immediately and records the requested pauses.
type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}
func (t *instantTimer) Stop() {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

var errDown = errors.New("endpoint unreachable")

func isDown(err error) bool { return errors.Is(err, errDown) }

func TestDo_SucceedsOnLastAttempt(t *testing.T) {
	timer := newInstantTimer()
	p := Policy{MaxAttempts: 3, Delay: 5 * time.Second, Timer: timer}

	var notified []int
	attempts, err := p.Do(context.Background(), func(attempt int) error {
		if attempt < 3 {
			return errDown
		}
		return nil
	}, isDown, func(_ error, attempt int, _ time.Duration) {
		notified = append(notified, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, notified)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, timer.delays)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	timer := newInstantTimer()
	p := Policy{MaxAttempts: 3, Delay: time.Second, Timer: timer}

	calls := 0
	attempts, err := p.Do(context.Background(), func(int) error {
		calls++
		return errDown
	}, isDown, nil)

	require.ErrorIs(t, err, errDown)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, timer.delays, 2, "no pause after the final attempt")
}

func TestDo_NonTransientStopsImmediately(t *testing.T) {
	timer := newInstantTimer()
	p := Policy{MaxAttempts: 3, Delay: time.Second, Timer: timer}
	malformed := errors.New("malformed request")

	attempts, err := p.Do(context.Background(), func(int) error {
		return malformed
	}, isDown, nil)

	require.ErrorIs(t, err, malformed)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, timer.delays)
}

func TestDo_SingleAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 1, Timer: newInstantTimer()}
	attempts, err := p.Do(context.Background(), func(int) error { return errDown }, isDown, nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_Exponential(t *testing.T) {
	timer := newInstantTimer()
	p := Policy{MaxAttempts: 5, Delay: time.Second, Exponential: true, MaxDelay: 3 * time.Second, Timer: timer}

	_, err := p.Do(context.Background(), func(int) error { return errDown }, isDown, nil)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3 * time.Second,
	}, timer.delays)
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Constant(3, time.Second)
	p.Timer = newInstantTimer()
	attempts, err := p.Do(ctx, func(int) error { return nil }, isDown, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, attempts)
}
