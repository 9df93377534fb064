// cmd/console-server — 主服务入口: 上游通道 + 摄取管道 + 浏览器网关 + 运维面板。
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agent-console/go-console-v2/internal/agenthost"
	"github.com/agent-console/go-console-v2/internal/bus"
	"github.com/agent-console/go-console-v2/internal/config"
	"github.com/agent-console/go-console-v2/internal/console"
	"github.com/agent-console/go-console-v2/internal/dashboard"
	"github.com/agent-console/go-console-v2/internal/database"
	"github.com/agent-console/go-console-v2/internal/monitor"
	"github.com/agent-console/go-console-v2/internal/store"
	"github.com/agent-console/go-console-v2/pkg/logger"
	"github.com/agent-console/go-console-v2/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogDir); err != nil {
			logger.Warn("file log disabled", logger.FieldError, err)
		} else {
			defer logger.ShutdownFileHandler()
		}
	}

	// PostgreSQL (事件日志 + 转录归档, 必需)
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database init failed", logger.Any(logger.FieldError, err))
	}
	defer pool.Close()
	logger.AttachDBHandler(pool)
	defer logger.ShutdownDBHandler()

	// 自动迁移
	migrationsDir := filepath.Join(filepath.Dir(os.Args[0]), "..", "..", "migrations")
	if _, err := os.Stat(migrationsDir); os.IsNotExist(err) {
		migrationsDir = "migrations"
	}
	if err := database.Migrate(ctx, pool, migrationsDir); err != nil {
		if cfg.MigrationNonFatal {
			logger.Warnw("migration failed (non-fatal by config)", logger.FieldError, err, logger.FieldPath, migrationsDir)
		} else {
			logger.Fatal("migration failed", logger.FieldError, err, logger.FieldPath, migrationsDir)
		}
	}

	staleAfter := time.Duration(cfg.HeartbeatStaleSec) * time.Second
	cs := store.NewConsoleStore(pool, staleAfter)

	// 总线: 摄取管道 → 会话 / SSE 的扇出枢纽
	b := bus.NewMessageBus()
	ingest := console.NewIngest(cs, b)

	// 上游通道 (异步重连, 就绪由 OnState 通知)
	host := agenthost.NewClient(agenthost.Options{
		URL:          cfg.AgentHostURL,
		CallTimeout:  time.Duration(cfg.AgentHostCallTimeoutSec) * time.Second,
		ReconnectMin: time.Duration(cfg.AgentHostReconnectMinMs) * time.Millisecond,
		ReconnectMax: time.Duration(cfg.AgentHostReconnectMaxMs) * time.Millisecond,
		OnEvent:      ingest.HandleEvent,
		OnState:      ingest.HandleState,
	})
	defer host.Shutdown()

	// 运维面板 (gin REST + SSE)
	stores := &dashboard.Stores{
		Attempt:       store.NewAttemptStore(pool),
		AttemptEvent:  store.NewAttemptEventStore(pool),
		AttemptTurn:   store.NewAttemptTurnStore(pool),
		AttemptAnswer: store.NewAttemptAnswerStore(pool),
		SystemLog:     store.NewSystemLogStore(pool),
		DBQuery:       store.NewDBQueryStore(pool),
	}
	dash := dashboard.NewServer(cfg, stores)
	dash.BridgeBus(b)

	// 巡检: 心跳超窗收尸 + 日志保留期清理
	patrol := monitor.NewPatrol(stores.Attempt, stores.SystemLog, b, monitor.Options{
		Interval:      time.Duration(cfg.PatrolIntervalSec) * time.Second,
		StaleAfter:    staleAfter,
		RetentionDays: cfg.SystemLogRetentionDays,
	})
	patrol.Start(ctx)

	logger.Infow("dashboard starting", logger.FieldListen, cfg.DashboardListen)
	util.SafeGo(func() {
		if err := dash.Engine().Run(cfg.DashboardListen); err != nil {
			logger.Fatal("dashboard failed", logger.Any(logger.FieldError, err))
		}
	})

	// 浏览器 WebSocket 网关 (阻塞到 ctx 取消)
	srv := console.New(console.Deps{
		Config:    cfg,
		Upstream:  host,
		Store:     cs,
		Bus:       b,
		Connected: ingest.Connected,
	})
	logger.Infow("console starting", logger.FieldListen, cfg.ConsoleListen)
	if err := srv.ListenAndServe(ctx, cfg.ConsoleListen); err != nil {
		logger.Fatal("console failed", logger.Any(logger.FieldError, err))
	}
	logger.Info("shutting down")
}
