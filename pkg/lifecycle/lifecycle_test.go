package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencall/core/pkg/instancestore"
	"github.com/opencall/core/pkg/lifecycle"
)

func newManager() (*lifecycle.Manager, instancestore.Store) {
	store := instancestore.NewInMemoryStore()
	return lifecycle.New(store), store
}

func TestLifecycle_AcceptStartComplete(t *testing.T) {
	lc, store := newManager()
	ctx := context.Background()

	require.NoError(t, lc.Accept(ctx, instancestore.Instance{
		RequestID: "req-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	inst, err := store.Get(ctx, "req-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, instancestore.Accepted, inst.State)

	require.NoError(t, lc.Start(ctx, "req-1"))
	inst, err = lc.Get(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, instancestore.Pending, inst.State)

	require.NoError(t, lc.Complete(ctx, "req-1", "/ops/req-1/chunks", []byte(`{"ok":true}`), "application/json"))
	inst, err = lc.Get(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, instancestore.Complete, inst.State)
	require.Equal(t, "application/json", inst.ResultMime)
}

func TestLifecycle_DoubleStartIsANoOp(t *testing.T) {
	lc, _ := newManager()
	ctx := context.Background()

	require.NoError(t, lc.Accept(ctx, instancestore.Instance{RequestID: "req-2", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, lc.Start(ctx, "req-2"))
	require.NoError(t, lc.Start(ctx, "req-2")) // second Start tolerated
}

func TestLifecycle_StartOnCompletedInstanceIsInvalidTransition(t *testing.T) {
	lc, _ := newManager()
	ctx := context.Background()

	require.NoError(t, lc.Accept(ctx, instancestore.Instance{RequestID: "req-3", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, lc.Start(ctx, "req-3"))
	require.NoError(t, lc.Complete(ctx, "req-3", "loc", nil, "application/json"))

	err := lc.Start(ctx, "req-3")
	require.Error(t, err)
	var invalid *lifecycle.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestLifecycle_FailFromAccepted(t *testing.T) {
	lc, _ := newManager()
	ctx := context.Background()

	require.NoError(t, lc.Accept(ctx, instancestore.Instance{RequestID: "req-4", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, lc.Fail(ctx, "req-4", "BOOM", "something broke"))

	inst, err := lc.Get(ctx, "req-4")
	require.NoError(t, err)
	require.Equal(t, instancestore.Error, inst.State)
	require.Equal(t, "BOOM", inst.Err.Code)
}

func TestLifecycle_FailFromPending(t *testing.T) {
	lc, _ := newManager()
	ctx := context.Background()

	require.NoError(t, lc.Accept(ctx, instancestore.Instance{RequestID: "req-5", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, lc.Start(ctx, "req-5"))
	require.NoError(t, lc.Fail(ctx, "req-5", "BOOM", "late failure"))

	inst, err := lc.Get(ctx, "req-5")
	require.NoError(t, err)
	require.Equal(t, instancestore.Error, inst.State)
}

func TestLifecycle_FailOnAlreadyTerminalIsInvalidTransition(t *testing.T) {
	lc, _ := newManager()
	ctx := context.Background()

	require.NoError(t, lc.Accept(ctx, instancestore.Instance{RequestID: "req-6", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, lc.Start(ctx, "req-6"))
	require.NoError(t, lc.Complete(ctx, "req-6", "loc", nil, "application/json"))

	err := lc.Fail(ctx, "req-6", "TOO_LATE", "already complete")
	require.Error(t, err)
	var invalid *lifecycle.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
}
