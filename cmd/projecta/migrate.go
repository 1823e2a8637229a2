package main

import (
	"errors"
	"log"

	"github.com/spf13/cobra"

	"github.com/projecta/assistant/internal/config"
	"github.com/projecta/assistant/internal/messages"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			if status {
				return messages.MigrationStatus(cmd.Context(), cfg.DatabaseURL)
			}
			if err := messages.Migrate(cmd.Context(), cfg.DatabaseURL); err != nil {
				return err
			}
			log.Printf("migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of applying")
	return cmd
}
