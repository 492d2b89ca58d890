package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestPolicy_SuccessOnFirstAttempt(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: rec.sleep}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, Sleep: rec.sleep}

	var seen []int
	err := p.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Len(t, rec.delays, 2)
}

func TestPolicy_NoSleepAfterLastAttempt(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Sleep: rec.sleep}

	boom := errors.New("still down")
	err := p.Do(context.Background(), func(int) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.delays, 2)
}

func TestPolicy_PermanentStopsImmediately(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Sleep: rec.sleep}

	declined := errors.New("card declined")
	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return Permanent(declined)
	})
	assert.Equal(t, declined, err, "the permanent wrapper is removed")
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestPolicy_BackoffJitterAndCap(t *testing.T) {
	rec := &recordedSleeps{}
	p := Policy{MaxAttempts: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Sleep: rec.sleep}

	_ = p.Do(context.Background(), func(int) error { return errors.New("x") })
	require.Len(t, rec.delays, 5)

	bases := []time.Duration{100, 200, 300, 300, 300}
	for i, d := range rec.delays {
		base := bases[i] * time.Millisecond
		assert.GreaterOrEqual(t, d, base-base/4, "attempt %d", i)
		assert.LessOrEqual(t, d, base+base/4, "attempt %d", i)
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Policy{MaxAttempts: 3, BaseDelay: time.Hour}.Do(ctx, func(int) error {
		calls++
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	base := errors.New("bad request")
	wrapped := Permanent(base)
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsPermanent(base))
}
