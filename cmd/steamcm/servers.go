package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/steamcm/internal/config"
	"github.com/1ureka/steamcm/internal/store"
)

func serversCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		cachePath   string
		maxFailures int
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List cached CM servers, lowest known load first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("cache") {
				cfg.CachePath = cachePath
			}
			if cfg.CachePath == "" {
				return errors.New("no server cache configured (set cache_path or --cache)")
			}

			db, err := store.Open(cfg.CachePath)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := db.Servers(maxFailures, limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				pterm.Info.Println("server cache is empty")
				return nil
			}

			data := pterm.TableData{{"Address", "Source", "Load", "Failures", "Last seen"}}
			for _, s := range list {
				lastLoad, seen := "-", "-"
				if s.LastLoad != nil {
					lastLoad = strconv.FormatUint(uint64(*s.LastLoad), 10)
				}
				if s.LastSeenAt != nil {
					seen = s.LastSeenAt.Local().Format("02 Jan 15:04:05")
				}
				data = append(data, []string{s.Addr, s.Source, lastLoad, fmt.Sprint(s.Failures), seen})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	cmd.Flags().StringVar(&cachePath, "cache", "", "SQLite server cache path")
	cmd.Flags().IntVar(&maxFailures, "max-failures", 3, "Hide servers with this many failures")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows, 0 for all")

	return cmd
}
