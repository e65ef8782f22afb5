package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chatcore/config"
	"chatcore/internal/auth"
	"chatcore/internal/redis"
	"chatcore/internal/relay"
	"chatcore/internal/repository"
	"chatcore/internal/storage"
	"chatcore/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()
	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	deps := relay.Deps{
		Issuer: auth.NewIssuer(cfg.Relay.JWTSecret, time.Duration(cfg.Relay.JWTExpiryMin)*time.Minute),
		Logger: l,
	}

	if cfg.Relay.DatabaseURL != "" {
		store, err := repository.NewPostgresStore(ctx, cfg.Relay.DatabaseURL)
		if err != nil {
			l.Logger.Fatal("connect database", zap.Error(err))
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			l.Logger.Fatal("migrate database", zap.Error(err))
		}
		deps.Store = store
	} else {
		l.Infof("DATABASE_URL not set, keeping rooms and messages in memory")
		deps.Store = repository.NewMemoryStore()
	}

	if cfg.Relay.RedisHost != "" {
		client, err := redis.Connect(ctx, redis.Config{
			Host:     cfg.Relay.RedisHost,
			Port:     cfg.Relay.RedisPort,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		})
		if err != nil {
			l.Logger.Fatal("connect redis", zap.Error(err))
		}
		defer client.Close()
		deps.Presence = redis.NewPresenceStore(client, 0)
		limits := redis.DefaultRateLimitConfig()
		if cfg.Relay.MessageLimit > 0 {
			limits.MessageLimit = cfg.Relay.MessageLimit
		}
		deps.MessageLimiter = redis.NewRateLimiter(client, limits)
	}

	if cfg.Relay.S3Bucket != "" {
		uploader, err := storage.NewClient(ctx, storage.S3Config{
			Region:     cfg.Relay.S3Region,
			Bucket:     cfg.Relay.S3Bucket,
			AccessKey:  cfg.Relay.S3AccessKey,
			SecretKey:  cfg.Relay.S3SecretKey,
			Endpoint:   cfg.Relay.S3Endpoint,
			PublicBase: cfg.Relay.S3PublicBase,
			PresignTTL: cfg.Relay.S3PresignTTL,
		})
		if err != nil {
			l.Logger.Fatal("configure uploads", zap.Error(err))
		}
		deps.Uploader = uploader
	}

	srv, err := relay.NewServer(deps, relay.Options{
		AppMode:  cfg.AppMode,
		Port:     cfg.Relay.Port,
		PageSize: cfg.Chat.PageSize,
	})
	if err != nil {
		l.Logger.Fatal("build relay", zap.Error(err))
	}
	if err := srv.Run(ctx); err != nil {
		l.Errorf("relay stopped: %s", err)
		os.Exit(1)
	}
}
