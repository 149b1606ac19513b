// Command migrate-tokens is a one-shot CLI that rewrites legacy-shaped
// tokens in every room into the current contents shape, committing each
// room through the same lock/commit write path the board server uses.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tokenboard/server/internal/v1/config"
	"github.com/tokenboard/server/internal/v1/logging"
	"github.com/tokenboard/server/internal/v1/migrate"
	"github.com/tokenboard/server/internal/v1/redisx"
	"github.com/tokenboard/server/internal/v1/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer func() { _ = logger.Sync() }()

	if !cfg.RedisEnabled {
		logger.Fatal("migrate-tokens requires REDIS_ENABLED=true: there is no legacy data to migrate in the in-memory store")
	}

	client, err := redisx.NewClient(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer client.Close()

	lockExpiration := time.Duration(cfg.LockExpirationSecs) * time.Second
	redisStore := store.NewRedisStore(client, lockExpiration)

	migrator := migrate.NewMigrator(redisStore)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	reports, err := migrator.Run(ctx)
	if err != nil {
		logger.Error("migration sweep aborted", zap.Error(err))
		os.Exit(1)
	}

	totalMigrated, totalErrors := 0, 0
	for _, r := range reports {
		totalMigrated += r.Migrated
		totalErrors += r.Errors
	}

	logger.Info("migration complete",
		zap.Int("rooms_scanned", len(reports)),
		zap.Int("tokens_migrated", totalMigrated),
		zap.Int("errors", totalErrors),
	)

	if totalErrors > 0 {
		os.Exit(1)
	}
}
