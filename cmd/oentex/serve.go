package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"oentex/internal/auth"
	"oentex/internal/config"
	"oentex/internal/gotrue"
	transporthttp "oentex/internal/http"
	"oentex/internal/platform/database"
	"oentex/internal/platform/migrate"
	"oentex/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session agent HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			if err := cfg.RequireGateway(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	profiles, cleanup, err := buildProfileRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		cleanups = append(cleanups, cleanup)
	}

	storage, cleanup, err := buildSessionStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		cleanups = append(cleanups, cleanup)
	}

	clientOpts := []gotrue.Option{
		gotrue.WithStorage(storage),
		gotrue.WithLogger(logger),
		gotrue.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
	}
	if cfg.JWKSIssuer != "" {
		clientOpts = append(clientOpts, gotrue.WithJWKSVerification(ctx, cfg.JWKSIssuer))
	}
	gateway := gotrue.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, clientOpts...)

	reconciler := auth.NewProfileReconciler(profiles,
		auth.WithReconcilerLogger(logger),
		auth.WithRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
	)

	manager := session.NewManager(gateway, session.Config{
		CallbackURL:     cfg.CallbackURL(),
		MaxInitAttempts: cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
	},
		session.WithLogger(logger),
		session.WithProfiles(reconciler),
		session.WithStorage(storage),
	)
	manager.Start()
	cleanups = append(cleanups, manager.Close)

	callback := session.NewCallbackHandler(gateway, cfg.DefaultRedirect, logger)
	router := transporthttp.NewRouter(cfg, manager, callback, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Oentex session agent listening",
			"addr", srv.Addr,
			"store", cfg.DataStore,
			"sessions", sessionStoreName(cfg),
			"callback", cfg.CallbackURL(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	return nil
}

func buildProfileRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (auth.ProfileRepository, func(), error) {
	if cfg.UseInMemoryStore() {
		logger.Info("using in-memory profile repository")
		return auth.NewInMemoryProfileRepository(), nil, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = db.Close()
	}

	if err := migrate.Apply(ctx, db, logger); err != nil {
		cleanup()
		return nil, nil, err
	}

	logger.Info("connected to postgres")
	return auth.NewPostgresProfileRepository(db), cleanup, nil
}

func buildSessionStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (gotrue.Storage, func(), error) {
	if !cfg.UseRedisSessions() {
		return gotrue.NewMemoryStorage(), nil, nil
	}

	rdb, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("connected to redis")
	return gotrue.NewRedisStorage(rdb, ""), func() { _ = rdb.Close() }, nil
}

func sessionStoreName(cfg config.Config) string {
	if cfg.UseRedisSessions() {
		return "redis"
	}
	return "memory"
}
