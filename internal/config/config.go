// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"github.com/agent-console/go-console-v2/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// Agent host (上游 agent 服务)
	AgentHostURL            string `env:"AGENT_HOST_URL" default:"ws://127.0.0.1:8791"`
	AgentHostCallTimeoutSec int    `env:"AGENT_HOST_CALL_TIMEOUT_SEC" default:"30" min:"1"`
	AgentHostReconnectMinMs int    `env:"AGENT_HOST_RECONNECT_MIN_MS" default:"500" min:"100"`
	AgentHostReconnectMaxMs int    `env:"AGENT_HOST_RECONNECT_MAX_MS" default:"30000" min:"1000"`

	// Console WebSocket (浏览器端)
	ConsoleListen        string `env:"CONSOLE_LISTEN" default:"ws://127.0.0.1:8790"`
	ConsoleMaxConns      int    `env:"CONSOLE_MAX_CONNS" default:"100" min:"1"`
	TranscriptThrottleMs int    `env:"TRANSCRIPT_THROTTLE_MS" default:"500" min:"0"`

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`
	MigrationNonFatal      bool   `env:"MIGRATION_NON_FATAL" default:"false"`

	// Dashboard (运维 REST + SSE)
	DashboardListen     string `env:"DASHBOARD_LISTEN" default:":8080"`
	DashboardSSESyncSec int    `env:"DASHBOARD_SSE_SYNC_SEC" default:"5" min:"1"`
	EventLogLimit       int    `env:"EVENT_LOG_LIMIT" default:"100" min:"1"`
	SystemLogLimit      int    `env:"SYSTEM_LOG_LIMIT" default:"100" min:"1"`

	// 活性判定与巡检
	HeartbeatStaleSec      int `env:"HEARTBEAT_STALE_SEC" default:"45" min:"5"`
	PatrolIntervalSec      int `env:"PATROL_INTERVAL_SEC" default:"30" min:"5"`
	SystemLogRetentionDays int `env:"SYSTEM_LOG_RETENTION_DAYS" default:"30" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"LOG_DIR"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}
