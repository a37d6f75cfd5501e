package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	gomega.RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Config", func() {
	writeTempFile := func(content string) string {
		path := filepath.Join(GinkgoT().TempDir(), "relay.json")
		gomega.Expect(os.WriteFile(path, []byte(content), 0600)).To(gomega.Succeed())
		return path
	}

	// a minimal valid config; specs build on top of it
	validJSON := `{
		"connection": {
			"endpoint": "wss://chat.example.com/relay",
			"poolSize": 2,
			"heartbeatInterval": "2s"
		},
		"dispatch": {
			"batchSize": 5,
			"retryDelay": "500ms"
		},
		"storage": {
			"backend": "memory"
		}
	}`

	Context("Loading from a file", func() {
		It("reads nested values and duration strings", func() {
			cfg, err := Load(writeTempFile(validJSON))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			gomega.Expect(cfg.Connection.Endpoint).To(gomega.Equal("wss://chat.example.com/relay"))
			gomega.Expect(cfg.Connection.PoolSize).To(gomega.Equal(2))
			gomega.Expect(cfg.Connection.HeartbeatInterval.Duration()).To(gomega.Equal(2 * time.Second))
			gomega.Expect(cfg.Dispatch.BatchSize).To(gomega.Equal(5))
			gomega.Expect(cfg.Dispatch.RetryDelay.Duration()).To(gomega.Equal(500 * time.Millisecond))
		})

		It("accepts durations given as nanosecond numbers", func() {
			cfg, err := Load(writeTempFile(`{"connection": {"connectTimeout": 5000000000}}`))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			gomega.Expect(cfg.Connection.ConnectTimeout.Duration()).To(gomega.Equal(5 * time.Second))
		})

		It("rejects durations it cannot parse", func() {
			_, err := Load(writeTempFile(`{"connection": {"connectTimeout": "soonish"}}`))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})

		It("fails on a missing file", func() {
			_, err := Load(filepath.Join(GinkgoT().TempDir(), "absent.json"))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})
	})

	Context("Defaults", func() {
		It("fills every optional field", func() {
			cfg := Default()

			gomega.Expect(cfg.Connection.PoolSize).To(gomega.Equal(DefaultPoolSize))
			gomega.Expect(cfg.Connection.HeartbeatInterval.Duration()).To(gomega.Equal(DefaultHeartbeatInterval))
			gomega.Expect(cfg.Connection.MaxReconnectAttempts).To(gomega.Equal(DefaultMaxReconnectAttempts))
			gomega.Expect(cfg.Dispatch.ProcessInterval.Duration()).To(gomega.Equal(DefaultProcessInterval))
			gomega.Expect(cfg.Dispatch.BatchSize).To(gomega.Equal(DefaultBatchSize))
			gomega.Expect(cfg.Dispatch.QueueCeiling).To(gomega.Equal(DefaultQueueCeiling))
			gomega.Expect(cfg.Cache.MaxEntries).To(gomega.Equal(DefaultMaxEntries))
			gomega.Expect(cfg.Cache.DefaultMaxAge.Duration()).To(gomega.Equal(DefaultMaxAge))
			gomega.Expect(cfg.Events.Buffer).To(gomega.Equal(DefaultEventBuffer))
			gomega.Expect(cfg.Storage.Backend).To(gomega.Equal(DefaultBackend))
			gomega.Expect(cfg.Logging.Level).To(gomega.Equal(DefaultLogLevel))
		})

		It("never overrides a set value", func() {
			cfg := &Config{}
			cfg.Dispatch.BatchSize = 25
			cfg.applyDefaults()

			gomega.Expect(cfg.Dispatch.BatchSize).To(gomega.Equal(25))
			gomega.Expect(cfg.Dispatch.MaxAttempts).To(gomega.Equal(DefaultMaxAttempts))
		})
	})

	Context("Environment overlay", func() {
		It("lets RELAY_ variables win over file values", func() {
			GinkgoT().Setenv("RELAY_CONNECTION_ENDPOINT", "wss://staging.example.com/relay")
			GinkgoT().Setenv("RELAY_DISPATCH_BATCH_SIZE", "20")
			GinkgoT().Setenv("RELAY_CONNECTION_HEARTBEAT_INTERVAL", "5s")

			cfg, err := Load(writeTempFile(validJSON))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(FromEnv(cfg)).To(gomega.Succeed())

			gomega.Expect(cfg.Connection.Endpoint).To(gomega.Equal("wss://staging.example.com/relay"))
			gomega.Expect(cfg.Dispatch.BatchSize).To(gomega.Equal(20))
			gomega.Expect(cfg.Connection.HeartbeatInterval.Duration()).To(gomega.Equal(5 * time.Second))

			By("leaving everything the environment does not mention")
			gomega.Expect(cfg.Connection.PoolSize).To(gomega.Equal(2))
		})
	})

	Context("Validation", func() {
		var cfg *Config

		BeforeEach(func() {
			cfg = Default()
			cfg.Connection.Endpoint = "wss://chat.example.com/relay"
		})

		It("passes a defaulted config with an endpoint", func() {
			gomega.Expect(cfg.Validate()).To(gomega.Succeed())
		})

		It("requires an endpoint", func() {
			cfg.Connection.Endpoint = ""
			gomega.Expect(cfg.Validate()).To(gomega.MatchError(gomega.ContainSubstring("endpoint is required")))
		})

		It("requires a websocket endpoint", func() {
			cfg.Connection.Endpoint = "https://chat.example.com/relay"
			gomega.Expect(cfg.Validate()).To(gomega.MatchError(gomega.ContainSubstring("ws:// or wss://")))
		})

		It("rejects a non-positive batch size", func() {
			cfg.Dispatch.BatchSize = -1
			gomega.Expect(cfg.Validate()).To(gomega.MatchError(gomega.ContainSubstring("batchSize")))
		})

		It("rejects a backoff factor below one", func() {
			cfg.Connection.BackoffFactor = 0.5
			gomega.Expect(cfg.Validate()).To(gomega.MatchError(gomega.ContainSubstring("backoffFactor")))
		})

		It("rejects a max delay below the base delay", func() {
			cfg.Connection.MaxDelay = Duration(100 * time.Millisecond)
			cfg.Connection.BaseDelay = Duration(time.Second)
			gomega.Expect(cfg.Validate()).To(gomega.MatchError(gomega.ContainSubstring("maxDelay")))
		})

		It("requires a path for the file backend", func() {
			cfg.Storage.Backend = "file"
			gomega.Expect(cfg.Validate()).To(gomega.MatchError(gomega.ContainSubstring("storage.path")))
		})

		It("rejects an unknown backend", func() {
			cfg.Storage.Backend = "redis"
			gomega.Expect(cfg.Validate()).To(gomega.MatchError(gomega.ContainSubstring("storage.backend")))
		})
	})

	Context("The full pipeline", func() {
		It("layers file, environment and defaults", func() {
			GinkgoT().Setenv("RELAY_CONNECTION_POOL_SIZE", "4")

			cfg, err := LoadAndValidate(writeTempFile(validJSON))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// environment beat the file
			gomega.Expect(cfg.Connection.PoolSize).To(gomega.Equal(4))
			// file beat the defaults
			gomega.Expect(cfg.Dispatch.BatchSize).To(gomega.Equal(5))
			// defaults filled the gaps
			gomega.Expect(cfg.Dispatch.MaxAttempts).To(gomega.Equal(DefaultMaxAttempts))
		})

		It("works without a file", func() {
			GinkgoT().Setenv("RELAY_CONNECTION_ENDPOINT", "wss://chat.example.com/relay")

			cfg, err := LoadAndValidate("")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(cfg.Connection.Endpoint).To(gomega.Equal("wss://chat.example.com/relay"))
			gomega.Expect(cfg.Connection.PoolSize).To(gomega.Equal(DefaultPoolSize))
		})

		It("refuses an invalid final config", func() {
			_, err := LoadAndValidate(writeTempFile(`{"storage": {"backend": "redis"}}`))
			gomega.Expect(err).To(gomega.MatchError(gomega.ContainSubstring("validate config")))
		})
	})
})
