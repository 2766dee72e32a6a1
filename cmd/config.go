package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/telefwd/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the local config file",
	}
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the config file and report parse or credential errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			if cfg.Transport.APIID == "" || cfg.Transport.APIHash == "" {
				return fmt.Errorf("TELEFWD_TRANSPORT_API_ID / TELEFWD_TRANSPORT_API_HASH are not set")
			}
			if cfg.Database.Mode == "managed" && cfg.Database.PostgresDSN == "" {
				return fmt.Errorf("database mode is managed but TELEFWD_POSTGRES_DSN is not set")
			}
			fmt.Printf("%s: valid (mode=%s)\n", path, cfg.Database.Mode)
			return nil
		},
	}
}
