/*
The config package is the single configuration surface for a RelayKit
client: one Config tree covering the connection pool, the dispatcher, the
cache, events, storage, session, and logging. Values come from a JSON file,
RELAY_* environment variables layered on top, and defaults filling whatever
is left.
*/
package config

// Config is the root configuration for a RelayKit client.
type Config struct {
	Connection ConnectionConfig `json:"connection" envPrefix:"CONNECTION_"`
	Dispatch   DispatchConfig   `json:"dispatch" envPrefix:"DISPATCH_"`
	Cache      CacheConfig      `json:"cache" envPrefix:"CACHE_"`
	Events     EventsConfig     `json:"events" envPrefix:"EVENTS_"`
	Storage    StorageConfig    `json:"storage" envPrefix:"STORAGE_"`
	Session    SessionConfig    `json:"session" envPrefix:"SESSION_"`
	Logging    LoggingConfig    `json:"logging" envPrefix:"LOG_"`
}

// ConnectionConfig drives the connection pool.
type ConnectionConfig struct {
	Endpoint             string   `json:"endpoint" env:"ENDPOINT"`
	PoolSize             int      `json:"poolSize" env:"POOL_SIZE"`
	HeartbeatInterval    Duration `json:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	ConnectTimeout       Duration `json:"connectTimeout" env:"CONNECT_TIMEOUT"`
	BaseDelay            Duration `json:"baseDelay" env:"BASE_DELAY"`
	BackoffFactor        float64  `json:"backoffFactor" env:"BACKOFF_FACTOR"`
	MaxDelay             Duration `json:"maxDelay" env:"MAX_DELAY"`
	MaxReconnectAttempts int      `json:"maxReconnectAttempts" env:"MAX_RECONNECT_ATTEMPTS"`
}

// DispatchConfig drives the message dispatcher.
type DispatchConfig struct {
	ProcessInterval     Duration `json:"processInterval" env:"PROCESS_INTERVAL"`
	BatchSize           int      `json:"batchSize" env:"BATCH_SIZE"`
	MaxAttempts         int      `json:"maxAttempts" env:"MAX_ATTEMPTS"`
	RetryDelay          Duration `json:"retryDelay" env:"RETRY_DELAY"`
	RetryBackoffFactor  float64  `json:"retryBackoffFactor" env:"RETRY_BACKOFF_FACTOR"`
	ConfirmationTimeout Duration `json:"confirmationTimeout" env:"CONFIRMATION_TIMEOUT"`
	QueueCeiling        int      `json:"queueCeiling" env:"QUEUE_CEILING"`
}

// CacheConfig drives the cache store.
type CacheConfig struct {
	MaxEntries           int      `json:"maxEntries" env:"MAX_ENTRIES"`
	DefaultMaxAge        Duration `json:"defaultMaxAge" env:"DEFAULT_MAX_AGE"`
	CompressionThreshold int      `json:"compressionThreshold" env:"COMPRESSION_THRESHOLD"`
	CleanupInterval      Duration `json:"cleanupInterval" env:"CLEANUP_INTERVAL"`
}

// EventsConfig sizes the status bus and the inbound dedupe window.
type EventsConfig struct {
	Buffer       int `json:"buffer" env:"BUFFER"`
	DedupeWindow int `json:"dedupeWindow" env:"DEDUPE_WINDOW"`
}

// StorageConfig picks the persistence backend. Persist additionally makes
// the client save dispatcher and cache state on close and restore it on
// start.
type StorageConfig struct {
	Backend string `json:"backend" env:"BACKEND"` // memory, file or sqlite
	Path    string `json:"path" env:"PATH"`
	Persist bool   `json:"persist" env:"PERSIST"`
}

// SessionConfig points at the session API for relayctl login.
type SessionConfig struct {
	ApiUrl string `json:"apiUrl" env:"API_URL"`
	User   string `json:"user" env:"USER"`
	Key    string `json:"key" env:"KEY"`
}

type LoggingConfig struct {
	Level    string `json:"level" env:"LEVEL"`
	FilePath string `json:"filePath" env:"FILE_PATH"`
	Console  bool   `json:"console" env:"CONSOLE"`
}
