package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/parleychat/relaykit/config"
	"github.com/parleychat/relaykit/logger"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "RelayKit chat client CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a JSON config file (RELAY_* env vars layer on top)")

	root.AddCommand(newLoginCmd(&configPath))
	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relayctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// buildLogger turns the config's logging section into a console (and
// optionally file) logger for the whole process
func buildLogger(cfg *config.Config) (*logger.Logger, error) {
	logConfig := &logger.Config{
		FilePath: cfg.Logging.FilePath,
		LogLevel: logger.ToLogLevel(cfg.Logging.Level),
	}
	if cfg.Logging.Console {
		logConfig.ConsoleWriters = append(logConfig.ConsoleWriters, os.Stderr)
	}

	processLogger, err := logger.New(logConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build the logger: %w", err)
	}
	processLogger.AddClientVersion(version)
	return processLogger, nil
}
