// cmd/migrate — 独立迁移入口, 与 console-server 的自动迁移共用同一套
// schema_version 账本, 不会重复应用已执行过的文件。
package main

import (
	"context"
	"flag"

	"github.com/agent-console/go-console-v2/internal/config"
	"github.com/agent-console/go-console-v2/internal/database"
	"github.com/agent-console/go-console-v2/pkg/logger"
)

func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database connect failed", logger.FieldError, err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, *dir); err != nil {
		logger.Fatal("migration failed", logger.FieldError, err, logger.FieldPath, *dir)
	}
	logger.Info("migrations applied", logger.FieldPath, *dir)
}
