package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that required fields are set and values make sense.
// Defaults are expected to have been applied first.
func (c *Config) Validate() error {
	if c.Connection.Endpoint == "" {
		return errors.New("connection.endpoint is required")
	}
	endpoint, err := url.Parse(c.Connection.Endpoint)
	if err != nil {
		return fmt.Errorf("connection.endpoint is not a valid url: %w", err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return fmt.Errorf("connection.endpoint must be a ws:// or wss:// url, got %q", endpoint.Scheme)
	}

	if c.Connection.PoolSize < 1 {
		return errors.New("connection.poolSize must be >= 1")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return errors.New("connection.heartbeatInterval must be positive")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return errors.New("connection.connectTimeout must be positive")
	}
	if c.Connection.BaseDelay <= 0 {
		return errors.New("connection.baseDelay must be positive")
	}
	if c.Connection.BackoffFactor < 1 {
		return errors.New("connection.backoffFactor must be >= 1")
	}
	if c.Connection.MaxDelay < c.Connection.BaseDelay {
		return errors.New("connection.maxDelay cannot be smaller than baseDelay")
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.New("connection.maxReconnectAttempts must be >= 0")
	}

	if c.Dispatch.ProcessInterval <= 0 {
		return errors.New("dispatch.processInterval must be positive")
	}
	if c.Dispatch.BatchSize < 1 {
		return errors.New("dispatch.batchSize must be >= 1")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.maxAttempts must be >= 1")
	}
	if c.Dispatch.RetryDelay <= 0 {
		return errors.New("dispatch.retryDelay must be positive")
	}
	if c.Dispatch.RetryBackoffFactor < 1 {
		return errors.New("dispatch.retryBackoffFactor must be >= 1")
	}
	if c.Dispatch.ConfirmationTimeout <= 0 {
		return errors.New("dispatch.confirmationTimeout must be positive")
	}
	if c.Dispatch.QueueCeiling < 1 {
		return errors.New("dispatch.queueCeiling must be >= 1")
	}

	if c.Cache.MaxEntries < 1 {
		return errors.New("cache.maxEntries must be >= 1")
	}
	if c.Cache.DefaultMaxAge <= 0 {
		return errors.New("cache.defaultMaxAge must be positive")
	}
	if c.Cache.CompressionThreshold < 0 {
		return errors.New("cache.compressionThreshold must be >= 0")
	}
	if c.Cache.CleanupInterval <= 0 {
		return errors.New("cache.cleanupInterval must be positive")
	}

	if c.Events.Buffer < 1 {
		return errors.New("events.buffer must be >= 1")
	}
	if c.Events.DedupeWindow < 1 {
		return errors.New("events.dedupeWindow must be >= 1")
	}

	switch c.Storage.Backend {
	case "memory":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend must be memory, file or sqlite, got %q", c.Storage.Backend)
	}

	return nil
}
