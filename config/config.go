// Package config loads the Chime configuration from chime.toml and
// CHIME_* environment variables via Viper.
package config

// Config represents the core Chime configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ScheduleConfig configures the task dispatcher
type ScheduleConfig struct {
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // How often to check for due tasks (default: 15)
}

// GatewayConfig configures the real-time delivery gateway
type GatewayConfig struct {
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"` // Keepalive interval per connection (default: 30)
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON structured output instead of console
}

// DefaultServerPort is the port the server binds when none is configured
const DefaultServerPort = 8710
