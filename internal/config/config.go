// Package config loads daemon and agent configuration from environment
// variables (with an optional .env file in development), following
// adred-codev-ws_poc/old_ws/config.go's caarlos0/env + godotenv idiom.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/adred-codev/controlplane/internal/logging"
)

// DaemonConfig configures the communication server and supervisor.
type DaemonConfig struct {
	NATSUrl             string        `env:"CTL_NATS_URL" envDefault:"nats://localhost:4222"`
	ListenAddr          string        `env:"CTL_LISTEN_ADDR" envDefault:":8080"`
	FallbackListenAddr  string        `env:"CTL_FALLBACK_ADDR" envDefault:":8081"`
	ObserverListenAddr  string        `env:"CTL_OBSERVER_ADDR" envDefault:":8082"`
	MetricsListenAddr   string        `env:"CTL_METRICS_ADDR" envDefault:":9090"`
	StalenessThreshold  time.Duration `env:"CTL_STALENESS_THRESHOLD" envDefault:"2m"`
	StalenessScanPeriod time.Duration `env:"CTL_STALENESS_SCAN_PERIOD" envDefault:"30s"`
	GracefulStopTimeout time.Duration `env:"CTL_GRACEFUL_STOP_TIMEOUT" envDefault:"10s"`
	QueueCapacity       int           `env:"CTL_QUEUE_CAPACITY" envDefault:"1000"`
	LogLevel            string        `env:"CTL_LOG_LEVEL" envDefault:"info"`
	EncryptionKeyHex    string        `env:"CTL_DATASTORE_KEY" envDefault:""`
}

// AgentConfig configures one connection agent instance embedded in a child app.
type AgentConfig struct {
	NATSUrl             string        `env:"CTL_NATS_URL" envDefault:"nats://localhost:4222"`
	FallbackAddr        string        `env:"CTL_FALLBACK_ADDR" envDefault:"ws://localhost:8081/fallback"`
	IsDaemonSelf        bool          `env:"CTL_AGENT_IS_DAEMON_SELF" envDefault:"false"`
	DaemonProcessName   string        `env:"CTL_DAEMON_PROCESS_NAME" envDefault:"ghost-daemon"`
	NetworkProbeAddr    string        `env:"CTL_NETWORK_PROBE_ADDR" envDefault:"localhost:4222"`
	CanAutoStartDaemon  bool          `env:"CTL_AGENT_CAN_AUTOSTART_DAEMON" envDefault:"false"`
	DaemonExecutablePath string       `env:"CTL_DAEMON_EXECUTABLE_PATH" envDefault:""`
	HeartbeatInterval   time.Duration `env:"CTL_HEARTBEAT_INTERVAL" envDefault:"30s"`
	MetricsInterval     time.Duration `env:"CTL_METRICS_INTERVAL" envDefault:"5s"`
	DiagnosticsInterval time.Duration `env:"CTL_DIAGNOSTICS_INTERVAL" envDefault:"5m"`
	ReconnectBaseDelay  time.Duration `env:"CTL_RECONNECT_BASE" envDefault:"5s"`
	ReconnectMaxDelay   time.Duration `env:"CTL_RECONNECT_MAX" envDefault:"120s"`
	MaxReconnectAttempts int          `env:"CTL_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	QueueCapacity       int           `env:"CTL_QUEUE_CAPACITY" envDefault:"1000"`
	CommandTimeout      time.Duration `env:"CTL_COMMAND_TIMEOUT" envDefault:"30s"`
	LogLevel            string        `env:"CTL_LOG_LEVEL" envDefault:"info"`
}

// LoadDaemon reads DaemonConfig from a .env file (if present) and the
// environment. Priority: env vars > .env file > struct defaults.
func LoadDaemon() (DaemonConfig, error) {
	loadDotEnv()
	var cfg DaemonConfig
	if err := env.Parse(&cfg); err != nil {
		return DaemonConfig{}, fmt.Errorf("config: parse daemon config: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads AgentConfig the same way.
func LoadAgent() (AgentConfig, error) {
	loadDotEnv()
	var cfg AgentConfig
	if err := env.Parse(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("config: parse agent config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		logging.PreInit("no .env file found (using environment variables only)")
	}
}
