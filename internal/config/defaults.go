package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID = "relay"

	DefaultServerAddr        = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultReadLimit         = 1 << 20

	DefaultMaxConnections       = 10000
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultConnectionTimeout    = 90 * time.Second
	DefaultPingTimeout          = 5 * time.Second
	DefaultPingRetries          = 2
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second

	DefaultQueueSize         = 10000
	DefaultMinWorkers        = 2
	DefaultMaxWorkers        = 20
	DefaultProcessingTimeout = 30 * time.Second
	DefaultMaxAttempts       = 3
	DefaultRetryBaseDelay    = 100 * time.Millisecond
	DefaultRetryMaxDelay     = 5 * time.Second
	DefaultAgingThreshold    = 5 * time.Second
	DefaultFairnessWindow    = 10

	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 5 * time.Minute
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHistorySize      = 1000
	DefaultRetryAttempts    = 3
	DefaultAlertRate        = 1.0
	DefaultAlertBurst       = 5

	DefaultMaxMessageSize   = 1 << 20
	DefaultSendTimeout      = 10 * time.Second
	DefaultSendConcurrency  = 64
	DefaultTokenMaxAge      = 5 * time.Minute
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultDBConnectTimeout = 10 * time.Second
	DefaultMaxConns         = 10
	DefaultMinConns         = 2
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 5 * time.Second
	DefaultStoreQueueSize   = 10000
	DefaultStoreTimeout     = 10 * time.Second
	DefaultSnapshotInterval = 1 * time.Minute
	DefaultSnapshotTimeout  = 5 * time.Second
	DefaultAlertPrefix      = "realtime.alerts"
	DefaultMetricsPath      = "/metrics"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"

	DefaultConnectionsDegraded = 0.9
	DefaultQueueDegraded       = 0.8
	DefaultQueueUnhealthy      = 0.95
	DefaultCriticalDegraded    = 1
	DefaultCriticalUnhealthy   = 10
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}

	// Connections defaults
	if c.Connections.MaxConnections == 0 {
		c.Connections.MaxConnections = DefaultMaxConnections
	}
	if c.Connections.HeartbeatInterval == 0 {
		c.Connections.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connections.ConnectionTimeout == 0 {
		c.Connections.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.Connections.PingTimeout == 0 {
		c.Connections.PingTimeout = DefaultPingTimeout
	}
	if c.Connections.PingRetries == 0 {
		c.Connections.PingRetries = DefaultPingRetries
	}
	if c.Connections.MaxReconnectAttempts == 0 {
		c.Connections.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connections.ReconnectBaseDelay == 0 {
		c.Connections.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connections.ReconnectMaxDelay == 0 {
		c.Connections.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Processor defaults
	if c.Processor.QueueSize == 0 {
		c.Processor.QueueSize = DefaultQueueSize
	}
	if c.Processor.MinWorkers == 0 {
		c.Processor.MinWorkers = DefaultMinWorkers
	}
	if c.Processor.MaxWorkers == 0 {
		c.Processor.MaxWorkers = DefaultMaxWorkers
	}
	if c.Processor.ProcessingTimeout == 0 {
		c.Processor.ProcessingTimeout = DefaultProcessingTimeout
	}
	if c.Processor.MaxAttempts == 0 {
		c.Processor.MaxAttempts = DefaultMaxAttempts
	}
	if c.Processor.RetryBaseDelay == 0 {
		c.Processor.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.Processor.RetryMaxDelay == 0 {
		c.Processor.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Processor.AgingThreshold == 0 {
		c.Processor.AgingThreshold = DefaultAgingThreshold
	}
	if c.Processor.FairnessWindow == 0 {
		c.Processor.FairnessWindow = DefaultFairnessWindow
	}
	if c.Processor.AutoScale == nil {
		on := true
		c.Processor.AutoScale = &on
	}

	// Error handler defaults
	if c.Errors.FailureThreshold == 0 {
		c.Errors.FailureThreshold = DefaultFailureThreshold
	}
	if c.Errors.FailureWindow == 0 {
		c.Errors.FailureWindow = DefaultFailureWindow
	}
	if c.Errors.RecoveryTimeout == 0 {
		c.Errors.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.Errors.HistorySize == 0 {
		c.Errors.HistorySize = DefaultHistorySize
	}
	if c.Errors.RetryAttempts == 0 {
		c.Errors.RetryAttempts = DefaultRetryAttempts
	}
	if c.Errors.AlertRate == 0 {
		c.Errors.AlertRate = DefaultAlertRate
	}
	if c.Errors.AlertBurst == 0 {
		c.Errors.AlertBurst = DefaultAlertBurst
	}

	// Dispatch defaults
	if c.Dispatch.MaxMessageSize == 0 {
		c.Dispatch.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = DefaultSendTimeout
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = DefaultSendConcurrency
	}

	if c.Auth.MaxAge == 0 {
		c.Auth.MaxAge = DefaultTokenMaxAge
	}

	// Database defaults
	if c.Database.Enabled() {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.ApplicationName == "" {
			c.Database.ApplicationName = c.Instance.ID
		}
		if c.Database.ConnectTimeout == 0 {
			c.Database.ConnectTimeout = DefaultDBConnectTimeout
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultMinConns
		}
	}

	// Store defaults
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = DefaultBatchSize
	}
	if c.Store.FlushInterval == 0 {
		c.Store.FlushInterval = DefaultFlushInterval
	}
	if c.Store.QueueSize == 0 {
		c.Store.QueueSize = DefaultStoreQueueSize
	}
	if c.Store.WriteTimeout == 0 {
		c.Store.WriteTimeout = DefaultStoreTimeout
	}

	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = DefaultSnapshotInterval
	}
	if c.Snapshot.Timeout == 0 {
		c.Snapshot.Timeout = DefaultSnapshotTimeout
	}

	// Health defaults
	if c.Health.ConnectionsDegraded == 0 {
		c.Health.ConnectionsDegraded = DefaultConnectionsDegraded
	}
	if c.Health.QueueDegraded == 0 {
		c.Health.QueueDegraded = DefaultQueueDegraded
	}
	if c.Health.QueueUnhealthy == 0 {
		c.Health.QueueUnhealthy = DefaultQueueUnhealthy
	}
	if c.Health.CriticalDegraded == 0 {
		c.Health.CriticalDegraded = DefaultCriticalDegraded
	}
	if c.Health.CriticalUnhealthy == 0 {
		c.Health.CriticalUnhealthy = DefaultCriticalUnhealthy
	}

	if c.Alerts.SubjectPrefix == "" {
		c.Alerts.SubjectPrefix = DefaultAlertPrefix
	}

	// Metrics defaults
	if c.Metrics.Enabled == nil {
		on := true
		c.Metrics.Enabled = &on
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}
