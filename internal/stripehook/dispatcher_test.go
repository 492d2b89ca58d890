package stripehook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assessly/internal/purchases"
)

type brokenLedger struct {
	*purchases.MemoryStore
}

func (brokenLedger) BeginEvent(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("ledger unavailable")
}

func TestDispatcher_RunsHandlerOnceAndMarksProcessed(t *testing.T) {
	store := purchases.NewMemoryStore()
	d := NewDispatcher(store)
	calls := 0
	d.Handle("test.event", func(context.Context, *Event) (Result, error) {
		calls++
		return Result{Success: true, Message: "done"}, nil
	})
	ctx := context.Background()
	ev := &Event{ID: "evt_1", Type: "test.event"}

	out, err := d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "done", out.Message)
	assert.False(t, out.Duplicate)

	out, err = d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.True(t, out.Success)
	assert.Equal(t, 1, calls)

	rec, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestDispatcher_UnknownTypeIsProcessedNoop(t *testing.T) {
	store := purchases.NewMemoryStore()
	d := NewDispatcher(store)
	ctx := context.Background()

	out, err := d.Dispatch(ctx, &Event{ID: "evt_1", Type: "invoice.created"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, out.Ignored)

	rec, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestDispatcher_HandlerErrorLeavesEventOpen(t *testing.T) {
	store := purchases.NewMemoryStore()
	d := NewDispatcher(store)
	fail := true
	d.Handle("test.event", func(context.Context, *Event) (Result, error) {
		if fail {
			return Result{}, errors.New("store unavailable")
		}
		return Result{Success: true}, nil
	})
	ctx := context.Background()
	ev := &Event{ID: "evt_1", Type: "test.event"}

	_, err := d.Dispatch(ctx, ev)
	assert.EqualError(t, err, "store unavailable")

	rec, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Nil(t, rec.ProcessedAt)
	assert.Equal(t, "store unavailable", rec.LastError)

	fail = false
	out, err := d.Dispatch(ctx, ev)
	require.NoError(t, err)
	assert.False(t, out.Duplicate, "redelivery retries the handler")

	rec, err = store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, 2, rec.Attempts)
}

func TestDispatcher_SoftFailureIsFinal(t *testing.T) {
	store := purchases.NewMemoryStore()
	d := NewDispatcher(store)
	d.Handle("test.event", func(context.Context, *Event) (Result, error) {
		return Result{Success: false, Message: "nothing to do"}, nil
	})
	ctx := context.Background()

	out, err := d.Dispatch(ctx, &Event{ID: "evt_1", Type: "test.event"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "nothing to do", out.Message)

	rec, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestDispatcher_LedgerErrorSkipsHandler(t *testing.T) {
	d := NewDispatcher(brokenLedger{purchases.NewMemoryStore()})
	called := false
	d.Handle("test.event", func(context.Context, *Event) (Result, error) {
		called = true
		return Result{Success: true}, nil
	})

	_, err := d.Dispatch(context.Background(), &Event{ID: "evt_1", Type: "test.event"})
	assert.ErrorContains(t, err, "ledger unavailable")
	assert.False(t, called)
}
