package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/openmined/regionsync/internal/watcher"
	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Queue finished region files already on disk with the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{"worlds_dir": "worlds-dir"})
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			w := watcher.New(cfg.WorldsDir, cfg.Watch.Include, cfg.Watch.SettleTime)
			found, err := w.Scan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				for _, ev := range found {
					fmt.Fprintf(out, "%-32s %8s  %s\n", ev.Key(), humanize.IBytes(uint64(ev.Size)), gray.Render(ev.LocalPath))
				}
				fmt.Fprintf(out, "%d region file(s) found\n", len(found))
				return nil
			}

			client, err := daemonClient(cfg)
			if err != nil {
				return fmt.Errorf("scan needs a running daemon (use --dry-run to only list): %w", err)
			}
			ctx, cancel := cmdContext(cmd.Context())
			defer cancel()

			queued := 0
			for _, ev := range found {
				resp, err := client.Completed(ctx, ev)
				if err != nil {
					return err
				}
				queued++
				fmt.Fprintf(out, "%-32s %s\n", resp.Key, resp.State)
			}
			fmt.Fprintf(out, "%s %d region file(s)\n", green.Render("submitted"), queued)
			return nil
		},
	}

	cmd.Flags().StringP("worlds-dir", "w", "", "directory holding the world folders")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list what would be queued")
	return cmd
}
