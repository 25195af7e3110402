package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"market/internal/config"
	httptransport "market/internal/http"
	"market/internal/infra"
	"market/internal/logger"
	"market/internal/maps"
	"market/internal/modules/catalog"
	"market/internal/modules/chat"
	"market/internal/modules/lifecycle"
	"market/internal/modules/profile"
	"market/internal/modules/request"
	"market/internal/notify"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("firebase.project_id is required to verify callers")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := fb.Verifier(ctx)
	if err != nil {
		return err
	}

	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	stores, closeStores, err := openStores(ctx, cfg, fb, rdb)
	if err != nil {
		return err
	}
	defer closeStores()

	listings := catalog.NewService(stores.catalog)
	opts := []request.Option{request.WithListings(listings)}
	if cfg.Firebase.Notify {
		client, err := fb.Messaging(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, request.WithNotifier(notify.NewFCM(client)))
	}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		opts = append(opts, request.WithEstimator(routes))
	}

	policy := lifecycle.NewPolicy(lifecycle.Options{
		MaxQuoteRounds: cfg.Lifecycle.MaxQuoteRounds,
		CodeLength:     cfg.Lifecycle.CodeLength,
	})
	requests := request.NewService(stores.requests, policy, opts...)
	profiles := profile.NewService(stores.profiles, cfg.Profile.ResolveConcurrency)

	var chatSvc *chat.Service
	if rdb != nil {
		chatSvc = chat.NewService(rdb, chat.NewRequestMembership(requests))
	} else {
		logger.Warn("redis disabled; chat is unavailable")
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Requests: requests,
		Profiles: profiles,
		Catalog:  listings,
		Chat:     chatSvc,
		Verifier: verifier,
	})
	logger.Info("starting market api",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("redis", rdb != nil),
		zap.Bool("notify", cfg.Firebase.Notify),
		zap.Bool("estimates", cfg.Maps.APIKey != ""),
	)
	return httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout).Run(ctx)
}

type storeSet struct {
	requests request.Store
	profiles profile.Store
	catalog  catalog.Store
}

// openStores builds every store for the configured backend.
// The returned func releases their connections.
func openStores(ctx context.Context, cfg *config.Config, fb *infra.Firebase, rdb *redis.Client) (storeSet, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		set := storeSet{
			requests: request.NewMemStore(),
			profiles: profile.NewMemStore(),
			catalog:  catalog.NewMemStore(),
		}
		return set, func() {}, nil
	case config.BackendPostgres:
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return storeSet{}, nil, err
		}
		return pgStores(pool, rdb, cfg), pool.Close, nil
	case config.BackendFirestore:
		client, err := fb.Firestore(ctx)
		if err != nil {
			return storeSet{}, nil, err
		}
		set := storeSet{
			requests: request.NewFirestoreStore(client),
			profiles: profile.NewFirestoreStore(client),
			catalog:  catalog.NewFirestoreStore(client),
		}
		return set, func() { _ = client.Close() }, nil
	}
	return storeSet{}, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func pgStores(pool *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) storeSet {
	return storeSet{
		requests: request.NewPGStore(pool, rdb).WithPollInterval(cfg.Store.PollInterval),
		profiles: profile.NewPGStore(pool),
		catalog:  catalog.NewPGStore(pool),
	}
}
