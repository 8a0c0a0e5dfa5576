// Package config provides the configuration schema and loader for the
// PlateVoice restaurant appliance.
package config

import "time"

// LogLevel controls log verbosity for the appliance.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Database  DatabaseConfig  `yaml:"database"`
	Voice     VoiceConfig     `yaml:"voice"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the gateway. When nil, the gateway runs plain
	// HTTP (typical behind the venue's reverse proxy).
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// OpenAIConfig configures the realtime credential mint.
type OpenAIConfig struct {
	// APIKey is the platform API key. Never handed to clients; only the
	// ephemeral credentials minted from it are.
	APIKey string `yaml:"api_key"`

	// RealtimeModel overrides the default realtime model.
	RealtimeModel string `yaml:"realtime_model"`

	// BaseURL overrides the OpenAI API endpoint. Leave empty for the
	// default.
	BaseURL string `yaml:"base_url"`

	// MintTimeout bounds a single credential mint request.
	MintTimeout time.Duration `yaml:"mint_timeout"`
}

// DatabaseConfig configures the menu store.
type DatabaseConfig struct {
	// PostgresDSN is the connection string for the menu database.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Migrate runs the schema migration on startup when true.
	Migrate bool `yaml:"migrate"`
}

// VoiceConfig tunes session grant behaviour.
type VoiceConfig struct {
	// DefaultContext is the serving context used when a client omits one
	// (kiosk, table-service, drive-through).
	DefaultContext string `yaml:"default_context"`
}

// TelemetryConfig configures OpenTelemetry reporting.
type TelemetryConfig struct {
	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name"`
}
