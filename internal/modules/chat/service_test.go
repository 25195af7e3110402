package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

type allowList map[types.ID]bool

func (a allowList) IsMember(_ context.Context, _ Thread, actor lifecycle.Actor) (bool, error) {
	return a[actor.ID], nil
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MARKET_TEST_REDIS")
	if addr == "" {
		t.Skip("MARKET_TEST_REDIS not set; skipping Redis-backed chat tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

var (
	alice = lifecycle.Actor{ID: "alice", Role: lifecycle.RoleCustomer}
	bob   = lifecycle.Actor{ID: "bob", Role: lifecycle.RoleDriver}
	eve   = lifecycle.Actor{ID: "eve", Role: lifecycle.RoleDriver}
)

func TestPostAndHistory(t *testing.T) {
	rdb := setupRedis(t)
	svc := NewService(rdb, allowList{"alice": true, "bob": true})
	ctx := context.Background()
	thread := Thread{Kind: lifecycle.KindCab, RequestID: types.ID(uuid.NewString())}
	t.Cleanup(func() { rdb.Del(context.Background(), streamKey(thread)) })

	first, err := svc.Post(ctx, thread, alice, "at the gate")
	require.NoError(t, err)
	_, err = svc.Post(ctx, thread, bob, "two minutes")
	require.NoError(t, err)

	all, err := svc.History(ctx, thread, bob, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "at the gate", all[0].Text)
	assert.Equal(t, alice.ID, all[0].SenderID)
	assert.Equal(t, lifecycle.RoleDriver, all[1].SenderRole)

	after, err := svc.History(ctx, thread, alice, first.ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "two minutes", after[0].Text)
}

func TestFollowReturnsNewMessages(t *testing.T) {
	rdb := setupRedis(t)
	svc := NewService(rdb, allowList{"alice": true, "bob": true})
	ctx := context.Background()
	thread := Thread{Kind: lifecycle.KindMedical, RequestID: types.ID(uuid.NewString())}
	t.Cleanup(func() { rdb.Del(context.Background(), streamKey(thread)) })

	seed, err := svc.Post(ctx, thread, alice, "hello")
	require.NoError(t, err)

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := svc.Follow(ctx, thread, bob, seed.ID, 2*time.Second)
		done <- msgs
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = svc.Post(ctx, thread, alice, "still there?")
	require.NoError(t, err)

	msgs := <-done
	require.Len(t, msgs, 1)
	assert.Equal(t, "still there?", msgs[0].Text)

	none, err := svc.Follow(ctx, thread, bob, "$", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPostRejectsOutsidersAndEmptyText(t *testing.T) {
	svc := NewService(nil, allowList{"alice": true})
	thread := Thread{Kind: lifecycle.KindCab, RequestID: "r1"}

	_, err := svc.Post(context.Background(), thread, eve, "hi")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Post(context.Background(), thread, alice, "   ")
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = svc.History(context.Background(), thread, eve, "", 0)
	assert.ErrorIs(t, err, ErrForbidden)
}
