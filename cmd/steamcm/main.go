// Steamcm CLI entry point.
//
// Finds the least loaded Steam CM server over UDP, negotiates an encrypted
// channel with it and keeps an anonymous session alive with heartbeats.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/steamcm/internal/config"
	"github.com/1ureka/steamcm/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		configPath string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "steamcm",
		Short: "Anonymous Steam CM client over UDP",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				util.EnableDebug()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	load := func() (config.Config, error) {
		if configPath == "" {
			return config.Default(), nil
		}
		cfg, err := config.Load(configPath)
		if err == nil && cfg.Debug {
			util.EnableDebug()
		}
		return cfg, err
	}

	rootCmd.AddCommand(
		connectCmd(load),
		serversCmd(load),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			pterm.Info.Println("Steamcm v" + version)
		},
	}
}
