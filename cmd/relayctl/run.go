package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parleychat/relaykit/chat"
	"github.com/parleychat/relaykit/client"
	"github.com/parleychat/relaykit/config"
	"github.com/parleychat/relaykit/dispatch"
	"github.com/parleychat/relaykit/logger"
	"github.com/parleychat/relaykit/session"
	"github.com/parleychat/relaykit/storage"
	"github.com/parleychat/relaykit/storage/file"
	"github.com/parleychat/relaykit/telemetry"
)

const shutdownTimeout = 10 * time.Second

// newRunCmd starts a client against the saved session, sends stdin lines as
// chat messages, and streams events and inbound messages to stdout until
// interrupted.
func newRunCmd(configPath *string) *cobra.Command {
	var metricsAddr string
	var waitSession bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and stream chat events to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndValidate(*configPath)
			if err != nil {
				return err
			}

			processLogger, err := buildLogger(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sess, err := loadSession(ctx, cfg, waitSession)
			if err != nil {
				return err
			}
			if sess != nil && sess.Expired(time.Now()) {
				return fmt.Errorf("the saved session has expired, log in again")
			}

			if metricsAddr != "" {
				telemetry.Register()
				go serveMetrics(metricsAddr)
			}

			chatClient, err := client.New(processLogger, cfg, sess)
			if err != nil {
				return err
			}

			if err := chatClient.Start(ctx); err != nil {
				return err
			}
			defer chatClient.Close(nil, shutdownTimeout)

			go sendStdin(chatClient, processLogger)

			encoder := json.NewEncoder(os.Stdout)
			eventChan := chatClient.Events(ctx)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-chatClient.Done():
					return fmt.Errorf("client stopped unexpectedly")
				case event := <-eventChan:
					encoder.Encode(event)
				case message, ok := <-chatClient.Messages():
					if !ok {
						return nil
					}
					encoder.Encode(message)
				}
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolVar(&waitSession, "wait-session", false, "block until a login in another process saves a session (file storage only)")
	return cmd
}

// sendStdin queues every stdin line as a normal-priority text message
func sendStdin(chatClient *client.Client, processLogger *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := chatClient.Send(line, chat.Text, dispatch.Normal); err != nil {
			processLogger.Errorf("Could not queue the message: %s", err)
		}
	}
}

// loadSession reads the persisted session if one exists. With wait set it
// blocks until a login in another process writes one, which only the file
// backend supports. A missing session is otherwise not an error: the client
// can dial a configured endpoint anonymously.
func loadSession(ctx context.Context, cfg *config.Config, wait bool) (*session.Session, error) {
	store, err := client.OpenStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if wait {
		fileStore, ok := store.(*file.Store)
		if !ok {
			return nil, fmt.Errorf("--wait-session needs the file storage backend, not %q", cfg.Storage.Backend)
		}
		raw, err := fileStore.WaitForKey(ctx, storage.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("failed waiting for a session: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("failed to parse the saved session: %w", err)
		}
		return &sess, nil
	}

	sess, err := session.Load(store)
	if err != nil {
		if storage.IsKeyNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load the saved session: %w", err)
	}
	return sess, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http.ListenAndServe(addr, mux)
}
