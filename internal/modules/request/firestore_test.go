package request

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"market/internal/modules/lifecycle"
)

func TestTxErrMapsAbortedToConflict(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"aborted", status.Error(codes.Aborted, "too much contention"), ErrConflict},
		{"conflict passes through", ErrConflict, ErrConflict},
		{"not found passes through", ErrNotFound, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, txErr(tt.in), tt.want)
		})
	}

	unavailable := status.Error(codes.Unavailable, "backend down")
	assert.Equal(t, unavailable, txErr(unavailable))
	assert.ErrorIs(t, storeErr(txErr(unavailable)), ErrStoreUnavailable)
}

func TestFirestoreStoreRoundTrip(t *testing.T) {
	store := setupFirestoreStore(t)
	ctx := context.Background()
	svc := NewService(store, testPolicy())

	r := mustCreate(t, svc, CreateCommand{Kind: lifecycle.KindCab, Requester: customer, Payload: map[string]any{"pickup": "A"}})
	assert.False(t, r.CreatedAt.IsZero())

	got, err := svc.Get(ctx, r.Kind, r.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPending, got.Status)
	assert.Nil(t, got.FulfillerID)

	accepted, err := transition(svc, r, driverA, lifecycle.ActionAccept, lifecycle.Input{})
	require.NoError(t, err)
	assert.Equal(t, 1, accepted.Version)

	_, err = store.CompareAndUpdate(ctx, r.Kind, r.ID, lifecycle.StatusPending, 0, lifecycle.Patch{Status: lifecycle.StatusCancelled})
	assert.True(t, errors.Is(err, ErrConflict))

	events, err := svc.History(ctx, r.Kind, r.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
