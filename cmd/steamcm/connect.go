package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/steamcm/internal/app"
	"github.com/1ureka/steamcm/internal/config"
	"github.com/1ureka/steamcm/internal/util"
)

func connectCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		servers     []string
		accountType string
		cachePath   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Sign on anonymously and hold the session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Servers = servers
			}
			if flags.Changed("account-type") {
				cfg.AccountType = accountType
			}
			if flags.Changed("cache") {
				cfg.CachePath = cachePath
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			pterm.Info.Println("Steamcm v" + version)
			pterm.Println()

			if err := app.Run(cmd.Context(), cfg); err != nil {
				return err
			}
			util.LogInfo("session closed")
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&servers, "server", "s", nil, "CM server host[:port], repeatable")
	cmd.Flags().StringVar(&accountType, "account-type", "AnonUser", "Account type to sign on as")
	cmd.Flags().StringVar(&cachePath, "cache", "", "SQLite server cache path")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")

	return cmd
}
