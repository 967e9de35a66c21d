package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjod/go_cart/cart-engine/internal/cache"
	"github.com/fjod/go_cart/cart-engine/internal/catalog"
	"github.com/fjod/go_cart/cart-engine/internal/config"
	"github.com/fjod/go_cart/cart-engine/internal/feed"
	h "github.com/fjod/go_cart/cart-engine/internal/http"
	"github.com/fjod/go_cart/cart-engine/internal/metrics"
	"github.com/fjod/go_cart/cart-engine/internal/remote"
	"github.com/fjod/go_cart/cart-engine/internal/repository"
	"github.com/fjod/go_cart/cart-engine/internal/service"
	"github.com/fjod/go_cart/cart-engine/pkg/logger"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open cart store")
	}
	defer store.Close()

	products, err := catalog.NewSQLiteCatalog(cfg.Catalog.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open catalog")
	}
	defer products.Close()
	if err = products.RunMigrations(cfg.Catalog.Migrations); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate catalog")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err = redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis connection failed")
	}
	sessionCache := cache.NewRedisSessionCache(redisClient)

	hub := feed.NewHub(cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Session.EventBuffer, cfg.Kafka.Brokers...)
	defer hub.Close()
	go hub.Run(ctx)

	publisher := feed.NewOutboxPublisher(store, cfg.Kafka.Topic, cfg.Kafka.OutboxTick, cfg.Kafka.Brokers...)
	defer publisher.Close()
	go publisher.Run(ctx)

	client := remote.NewClient(store, products, remote.FromHub(hub), remote.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	})
	registry := service.NewRegistry(ctx, client, sessionCache, service.RegistryConfig{
		SessionTTL:  cfg.Session.TTL,
		CallTimeout: cfg.Session.CallTimeout,
		EventBuffer: cfg.Session.EventBuffer,
		IdleTimeout: cfg.Session.IdleTimeout,
	})
	defer registry.Close()

	go purgeExpired(ctx, store, cfg.Session.PurgeInterval)
	go registry.RunJanitor(ctx, cfg.Session.SweepInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      h.NewRouter(registry, products, cfg.HTTP.RequestTimeout),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Str("backend", cfg.Store.Backend).Msg("cartd starting")
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			logger.Error().Err(errServe).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down cartd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("cartd stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		db, err := repository.ConnectMongoDB(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		repo := repository.NewMongoRepository(db)
		if err = repo.CreateIndexes(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		cred := &repository.Credentials{
			Host:              cfg.Postgres.Host,
			Port:              cfg.Postgres.Port,
			User:              cfg.Postgres.User,
			Password:          cfg.Postgres.Password,
			DBName:            cfg.Postgres.DBName,
			MigrationsDirPath: cfg.Postgres.Migrations,
		}
		repo, err := repository.NewPostgresRepository(ctx, cred)
		if err != nil {
			return nil, err
		}
		if err = repo.RunMigrations(cred); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	}
}

// purgeExpired removes sessions past their expiry together with their items.
func purgeExpired(ctx context.Context, store repository.CartRepository, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := store.PurgeExpiredSessions(ctx, time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("failed to purge expired sessions")
				continue
			}
			if n > 0 {
				metrics.SessionsPurged.Add(float64(n))
				logger.Info().Int64("purged", n).Msg("expired cart sessions purged")
			}
		case <-ctx.Done():
			return
		}
	}
}
