package config

import "time"

// Config is the root configuration for a relay instance.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Server      ServerConfig      `yaml:"server"`
	Connections ConnectionsConfig `yaml:"connections"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Errors      ErrorsConfig      `yaml:"errors"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DBConfig          `yaml:"database"`
	Store       StoreConfig       `yaml:"store"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Health      HealthConfig      `yaml:"health"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// ServerConfig holds HTTP and WebSocket listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`    // per WebSocket frame
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"` // whole graceful shutdown
	ReadLimit         int64         `yaml:"read_limit"`       // max inbound frame bytes
	AllowedOrigins    []string      `yaml:"allowed_origins"`  // empty allows any origin
	Debug             bool          `yaml:"debug"`            // expose /debug endpoints
}

// ConnectionsConfig holds connection registry settings.
type ConnectionsConfig struct {
	MaxConnections       int           `yaml:"max_connections"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	PingRetries          int           `yaml:"ping_retries"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
}

// ProcessorConfig holds task processor settings.
type ProcessorConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	MinWorkers        int           `yaml:"min_workers"`
	MaxWorkers        int           `yaml:"max_workers"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	AgingThreshold    time.Duration `yaml:"aging_threshold"`
	FairnessWindow    int           `yaml:"fairness_window"`
	AutoScale         *bool         `yaml:"auto_scale"`
}

// ErrorsConfig holds error handler settings.
type ErrorsConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HistorySize      int           `yaml:"history_size"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	AlertRate        float64       `yaml:"alert_rate"`
	AlertBurst       int           `yaml:"alert_burst"`
}

// DispatchConfig holds outbound delivery settings.
type DispatchConfig struct {
	MaxMessageSize int           `yaml:"max_message_size"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	Concurrency    int           `yaml:"concurrency"`
}

// AuthConfig holds connect token settings.
type AuthConfig struct {
	Required     bool              `yaml:"required"`
	PublicKeys   map[string]string `yaml:"public_keys"`   // key ID -> PEM path
	StaticTokens map[string]string `yaml:"static_tokens"` // token -> user ID, development only
	MaxAge       time.Duration     `yaml:"max_age"`
}

// DBConfig holds the PostgreSQL connection used for exports. An empty
// host disables the database.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	Migrate  bool   `yaml:"migrate"`

	// ApplicationName is reported to the server; defaults to instance.id.
	ApplicationName string        `yaml:"application_name"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// StoreConfig holds batch writer settings.
type StoreConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// SnapshotConfig holds health snapshot poller settings.
type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig holds health thresholds.
type HealthConfig struct {
	ConnectionsDegraded float64 `yaml:"connections_degraded"`
	QueueDegraded       float64 `yaml:"queue_degraded"`
	QueueUnhealthy      float64 `yaml:"queue_unhealthy"`
	CriticalDegraded    int     `yaml:"critical_degraded"`
	CriticalUnhealthy   int     `yaml:"critical_unhealthy"`
}

// AlertsConfig holds alert hook settings. An empty NATS URL logs alerts only.
type AlertsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}
