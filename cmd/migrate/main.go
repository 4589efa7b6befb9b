// cmd/migrate — 将 migrations/*.sql 应用到 POSTGRES_CONNECTION_STRING 指向的数据库。
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/multi-agent/chatstream/internal/config"
	"github.com/multi-agent/chatstream/internal/database"
	"github.com/multi-agent/chatstream/pkg/logger"
)

func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogEnv, cfg.LogLevel)

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Error("migrate: database init failed", logger.FieldError, err)
		os.Exit(1)
	}
	defer pool.Close()

	applied, err := database.Migrate(ctx, pool, *dir)
	if err != nil {
		logger.Error("migrate: failed", logger.FieldError, err, logger.FieldCount, len(applied))
		pool.Close()
		os.Exit(1)
	}
	logger.Info("migrate: complete", logger.FieldCount, len(applied), logger.FieldPath, *dir)
}
