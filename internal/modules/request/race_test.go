// README: Concurrency tests for first-claim-wins transitions (run with -race).
package request

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"market/internal/modules/lifecycle"
	"market/internal/types"
	"market/migrations"
)

// testStores returns the in-memory store plus the Postgres store when
// MARKET_TEST_DSN is set and the Firestore store when an emulator is running.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemStore()}
	if os.Getenv("MARKET_TEST_DSN") != "" {
		stores["postgres"] = setupPGStore(t)
	}
	if os.Getenv("FIRESTORE_EMULATOR_HOST") != "" {
		stores["firestore"] = setupFirestoreStore(t)
	}
	return stores
}

// setupFirestoreStore connects to the emulator named by FIRESTORE_EMULATOR_HOST.
// Request ids are fresh uuids, so tests share the emulator without cleanup.
func setupFirestoreStore(t *testing.T) *FirestoreStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set; skipping Firestore-backed tests")
	}
	project := os.Getenv("MARKET_TEST_FIRESTORE_PROJECT")
	if project == "" {
		project = "market-test"
	}
	client, err := firestore.NewClient(context.Background(), project)
	if err != nil {
		t.Fatalf("connect firestore emulator: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewFirestoreStore(client)
}

func setupPGStore(t *testing.T) *PGStore {
	t.Helper()

	dsn := os.Getenv("MARKET_TEST_DSN")
	if dsn == "" {
		t.Skip("MARKET_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE request_events, requests"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	var rdb *redis.Client
	if addr := os.Getenv("MARKET_TEST_REDIS"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = rdb.Close() })
	}
	return NewPGStore(db, rdb)
}

func TestConcurrentClaimSameRequest(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(store, testPolicy())
			r := mustCreate(t, svc, CreateCommand{Kind: lifecycle.KindCab, Requester: customer})

			const drivers = 10
			var wg sync.WaitGroup
			errs := make(chan error, drivers)
			for i := 0; i < drivers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					d := lifecycle.Actor{ID: actorID("driver", i), Role: lifecycle.RoleDriver}
					_, err := transition(svc, r, d, lifecycle.ActionAccept, lifecycle.Input{})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, lifecycle.ErrAlreadyClaimed) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly one success, got %d", success)
			}

			got, err := svc.Get(ctx, r.Kind, r.ID)
			if err != nil {
				t.Fatalf("get request: %v", err)
			}
			if got.Status != lifecycle.StatusAccepted || got.FulfillerID == nil {
				t.Fatalf("unexpected final state: %s fulfiller=%v", got.Status, got.FulfillerID)
			}
			if got.Version != 1 {
				t.Fatalf("expected version 1, got %d", got.Version)
			}
		})
	}
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(store, testPolicy())
			r := mustCreate(t, svc, CreateCommand{Kind: lifecycle.KindCab, Requester: customer})

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := transition(svc, r, driverA, lifecycle.ActionAccept, lifecycle.Input{})
				errs <- err
			}()
			go func() {
				defer wg.Done()
				_, err := transition(svc, r, customer, lifecycle.ActionCancel, lifecycle.Input{})
				errs <- err
			}()
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, lifecycle.ErrWrongState) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly one success, got %d", success)
			}

			got, err := svc.Get(context.Background(), r.Kind, r.ID)
			if err != nil {
				t.Fatalf("get request: %v", err)
			}
			if got.Status != lifecycle.StatusAccepted && got.Status != lifecycle.StatusCancelled {
				t.Fatalf("unexpected final status: %s", got.Status)
			}
		})
	}
}

func TestConcurrentDeliveryClaim(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(store, testPolicy())
			shop := lifecycle.Actor{ID: "shop-1", Role: lifecycle.RoleShop}
			r := mustCreate(t, svc, CreateCommand{Kind: lifecycle.KindCommerce, Requester: customer, TargetID: shop.ID})
			for _, a := range []lifecycle.Action{lifecycle.ActionAccept, lifecycle.ActionMarkReady} {
				if _, err := transition(svc, r, shop, a, lifecycle.Input{}); err != nil {
					t.Fatalf("%s: %v", a, err)
				}
			}

			const couriers = 5
			var wg sync.WaitGroup
			errs := make(chan error, couriers)
			for i := 0; i < couriers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					c := lifecycle.Actor{ID: actorID("courier", i), Role: lifecycle.RoleDelivery}
					_, err := transition(svc, r, c, lifecycle.ActionClaimDelivery, lifecycle.Input{})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
				} else if !errors.Is(err, lifecycle.ErrAlreadyClaimed) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly one courier, got %d", success)
			}
		})
	}
}

func TestConcurrentSupportClaim(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(store, testPolicy())
			order := mustCreate(t, svc, CreateCommand{Kind: lifecycle.KindCab, Requester: customer})
			c := mustCreate(t, svc, CreateCommand{
				Kind: lifecycle.KindSupport, Requester: customer,
				LinkedKind: lifecycle.KindCab, LinkedID: order.ID,
			})

			const agents = 8
			var wg sync.WaitGroup
			winners := make(chan types.ID, agents)
			errs := make(chan error, agents)
			for i := 0; i < agents; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					a := lifecycle.Actor{ID: actorID("agent", i), Role: lifecycle.RoleSupport}
					_, err := transition(svc, c, a, lifecycle.ActionClaim, lifecycle.Input{})
					if err == nil {
						winners <- a.ID
					}
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			close(winners)

			success := 0
			for err := range errs {
				if err == nil {
					success++
				} else if !errors.Is(err, lifecycle.ErrAlreadyClaimed) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly one agent, got %d", success)
			}

			got, err := svc.Get(context.Background(), c.Kind, c.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			winner := <-winners
			if got.Status != lifecycle.StatusAssigned || !got.IsFulfiller(winner) {
				t.Fatalf("case %s assigned to %v, want %s", got.Status, got.FulfillerID, winner)
			}
			if got.Version != c.Version+1 {
				t.Fatalf("expected one write, version went %d -> %d", c.Version, got.Version)
			}
		})
	}
}

func actorID(prefix string, i int) types.ID {
	return types.ID(fmt.Sprintf("%s-%d", prefix, i))
}
