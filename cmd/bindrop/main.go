package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bindrop/cfg"
	"bindrop/metrics"
	"bindrop/svc/api"
	"bindrop/svc/bot"
	"bindrop/svc/cache"
	"bindrop/svc/db"
	"bindrop/svc/lim"
	"bindrop/svc/secrets"
	"bindrop/svc/store"
	"bindrop/svc/svc"
	"bindrop/svc/util"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting bindrop API")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := secrets.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secrets provider")
		os.Exit(1)
	}
	if c.PurgeEnabled && c.PurgeToken.Value() == "" {
		token, err := provider.GetSecret(ctx, "PURGE_TOKEN")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to load purge token")
			os.Exit(1)
		}
		c.PurgeToken = cfg.NewSecret(token)
	}
	if c.Environment == "production" && c.BotSecret.Value() == "" {
		secret, err := provider.GetSecret(ctx, "BOT_SECRET")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to load bot verify secret")
			os.Exit(1)
		}
		c.BotSecret = cfg.NewSecret(secret)
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c.RedisTimeout)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production when configured")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	objStore, err := store.NewS3(ctx, c.S3Bucket, c.S3Endpoint, c.S3PathStyle)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize object store")
		os.Exit(1)
	}
	util.Info().Str("bucket", c.S3Bucket).Msg("object store initialized")

	drive := store.NewDrive()
	purge := store.NewPurgeQueue(c.PurgeEnabled, c.PurgeURL, c.PurgeToken.Value(), c.S3BucketURL)
	engine := svc.NewEngine(sqlDB, objStore, drive, purge, lruCache, rdb, c)
	verifier := bot.NewVerifier(c.BotVerifyURL, c.BotSecret.Value(), c.Environment == "production")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, engine, verifier, limiter, sqlDB, rdb)

	loopCtx, stopLoops := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		engine.RunViewFlusher(loopCtx, c.ViewFlushInterval)
		return nil
	})
	g.Go(func() error {
		purge.Run(loopCtx, c.PurgeInterval)
		return nil
	})
	quitWAL := make(chan struct{})
	g.Go(func() error {
		db.StartWALMaintenance(sqlDB.DB(), quitWAL)
		return nil
	})
	util.Info().Msg("background workers started")

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}

	// The loops each run one final pass (view flush, forced purge, WAL
	// checkpoint) before returning.
	stopLoops()
	close(quitWAL)
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Info().Msg("background workers stopped")
	case <-time.After(20 * time.Second):
		util.Warn().Msg("background workers did not stop in time")
	}
	util.Info().Msg("shutdown complete")
}
