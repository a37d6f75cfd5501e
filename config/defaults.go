package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPoolSize             = 3
	DefaultHeartbeatInterval    = 2 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultBaseDelay            = 500 * time.Millisecond
	DefaultBackoffFactor        = 2.0
	DefaultMaxDelay             = 30 * time.Second
	DefaultMaxReconnectAttempts = 10

	DefaultProcessInterval     = 100 * time.Millisecond
	DefaultBatchSize           = 10
	DefaultMaxAttempts         = 3
	DefaultRetryDelay          = 1 * time.Second
	DefaultRetryBackoffFactor  = 2.0
	DefaultConfirmationTimeout = 30 * time.Second
	DefaultQueueCeiling        = 1000

	DefaultMaxEntries           = 500
	DefaultMaxAge               = 5 * time.Minute
	DefaultCompressionThreshold = 1024
	DefaultCleanupInterval      = 60 * time.Second

	DefaultEventBuffer  = 64
	DefaultDedupeWindow = 256

	DefaultBackend  = "memory"
	DefaultLogLevel = "info"
)

// Default returns a Config with every optional field filled in. The
// endpoint is the only thing a caller must still provide.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Connection.PoolSize == 0 {
		c.Connection.PoolSize = DefaultPoolSize
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.Connection.BaseDelay == 0 {
		c.Connection.BaseDelay = Duration(DefaultBaseDelay)
	}
	if c.Connection.BackoffFactor == 0 {
		c.Connection.BackoffFactor = DefaultBackoffFactor
	}
	if c.Connection.MaxDelay == 0 {
		c.Connection.MaxDelay = Duration(DefaultMaxDelay)
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	if c.Dispatch.ProcessInterval == 0 {
		c.Dispatch.ProcessInterval = Duration(DefaultProcessInterval)
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = DefaultBatchSize
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	if c.Dispatch.RetryDelay == 0 {
		c.Dispatch.RetryDelay = Duration(DefaultRetryDelay)
	}
	if c.Dispatch.RetryBackoffFactor == 0 {
		c.Dispatch.RetryBackoffFactor = DefaultRetryBackoffFactor
	}
	if c.Dispatch.ConfirmationTimeout == 0 {
		c.Dispatch.ConfirmationTimeout = Duration(DefaultConfirmationTimeout)
	}
	if c.Dispatch.QueueCeiling == 0 {
		c.Dispatch.QueueCeiling = DefaultQueueCeiling
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultMaxEntries
	}
	if c.Cache.DefaultMaxAge == 0 {
		c.Cache.DefaultMaxAge = Duration(DefaultMaxAge)
	}
	if c.Cache.CompressionThreshold == 0 {
		c.Cache.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.Cache.CleanupInterval == 0 {
		c.Cache.CleanupInterval = Duration(DefaultCleanupInterval)
	}

	if c.Events.Buffer == 0 {
		c.Events.Buffer = DefaultEventBuffer
	}
	if c.Events.DedupeWindow == 0 {
		c.Events.DedupeWindow = DefaultDedupeWindow
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultBackend
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}
