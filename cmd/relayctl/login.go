package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parleychat/relaykit/client"
	"github.com/parleychat/relaykit/config"
	"github.com/parleychat/relaykit/session"
)

// newLoginCmd exchanges credentials for a session and persists it through
// the configured storage backend so a later run picks it up.
func newLoginCmd(configPath *string) *cobra.Command {
	var user, key string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the session API and save the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndValidate(*configPath)
			if err != nil {
				return err
			}
			if user == "" {
				user = cfg.Session.User
			}
			if key == "" {
				key = cfg.Session.Key
			}
			if user == "" || key == "" {
				return fmt.Errorf("missing credentials: pass --user/--key or set session.user/session.key")
			}
			if cfg.Session.ApiUrl == "" {
				return fmt.Errorf("missing session.apiUrl in config")
			}

			processLogger, err := buildLogger(cfg)
			if err != nil {
				return err
			}

			sessionClient, err := session.NewClient(processLogger.GetComponentLogger("session"), cfg.Session.ApiUrl)
			if err != nil {
				return err
			}

			sess, err := sessionClient.Login(cmd.Context(), user, key)
			if err != nil {
				return err
			}

			store, err := client.OpenStore(cfg.Storage)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := session.Save(store, sess); err != nil {
				return fmt.Errorf("failed to save the session: %w", err)
			}

			fmt.Printf("logged in as %s, session expires at %s\n", sess.VisitorId, sess.ExpiresAt)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "account name (falls back to session.user)")
	cmd.Flags().StringVar(&key, "key", "", "account key (falls back to session.key)")
	return cmd
}
