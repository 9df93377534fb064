// config_test.go — 配置加载默认值 + 环境变量覆盖测试。
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	// 确保关键环境变量未设置
	os.Unsetenv("AGENT_HOST_URL")
	os.Unsetenv("CONSOLE_LISTEN")
	os.Unsetenv("POSTGRES_SCHEMA")
	os.Unsetenv("HEARTBEAT_STALE_SEC")

	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"AgentHostURL", cfg.AgentHostURL, "ws://127.0.0.1:8791"},
		{"AgentHostCallTimeoutSec", cfg.AgentHostCallTimeoutSec, 30},
		{"AgentHostReconnectMinMs", cfg.AgentHostReconnectMinMs, 500},
		{"AgentHostReconnectMaxMs", cfg.AgentHostReconnectMaxMs, 30000},
		{"ConsoleListen", cfg.ConsoleListen, "ws://127.0.0.1:8790"},
		{"ConsoleMaxConns", cfg.ConsoleMaxConns, 100},
		{"TranscriptThrottleMs", cfg.TranscriptThrottleMs, 500},
		{"PostgresSchema", cfg.PostgresSchema, "public"},
		{"PostgresPoolMinSize", cfg.PostgresPoolMinSize, 1},
		{"PostgresPoolMaxSize", cfg.PostgresPoolMaxSize, 10},
		{"MigrationNonFatal", cfg.MigrationNonFatal, false},
		{"DashboardListen", cfg.DashboardListen, ":8080"},
		{"DashboardSSESyncSec", cfg.DashboardSSESyncSec, 5},
		{"EventLogLimit", cfg.EventLogLimit, 100},
		{"SystemLogLimit", cfg.SystemLogLimit, 100},
		{"HeartbeatStaleSec", cfg.HeartbeatStaleSec, 45},
		{"PatrolIntervalSec", cfg.PatrolIntervalSec, 30},
		{"LogLevel", cfg.LogLevel, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AGENT_HOST_URL", "ws://10.0.0.5:9000")
	t.Setenv("TRANSCRIPT_THROTTLE_MS", "100")
	t.Setenv("POSTGRES_SCHEMA", "test_schema")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATION_NON_FATAL", "true")

	cfg := Load()

	if cfg.AgentHostURL != "ws://10.0.0.5:9000" {
		t.Errorf("AgentHostURL = %q, want 'ws://10.0.0.5:9000'", cfg.AgentHostURL)
	}
	if cfg.TranscriptThrottleMs != 100 {
		t.Errorf("TranscriptThrottleMs = %d, want 100", cfg.TranscriptThrottleMs)
	}
	if cfg.PostgresSchema != "test_schema" {
		t.Errorf("PostgresSchema = %q, want 'test_schema'", cfg.PostgresSchema)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Errorf("LogLevel = %q, want 'DEBUG'", cfg.LogLevel)
	}
	if !cfg.MigrationNonFatal {
		t.Errorf("MigrationNonFatal = false, want true")
	}
}

func TestLoadMinEnforced(t *testing.T) {
	t.Setenv("HEARTBEAT_STALE_SEC", "1") // 低于 min:"5"
	t.Setenv("POSTGRES_POOL_MAX_SIZE", "0")

	cfg := Load()

	if cfg.HeartbeatStaleSec != 5 {
		t.Errorf("HeartbeatStaleSec = %d, want 5 (min enforced)", cfg.HeartbeatStaleSec)
	}
	if cfg.PostgresPoolMaxSize != 1 {
		t.Errorf("PostgresPoolMaxSize = %d, want 1 (min enforced)", cfg.PostgresPoolMaxSize)
	}
}

func TestLoadReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
}
