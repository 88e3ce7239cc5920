package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/regionsync/internal/config"
	"github.com/openmined/regionsync/internal/controlplane"
	"github.com/openmined/regionsync/internal/regionsync"
	"github.com/openmined/regionsync/internal/utils"
	"github.com/openmined/regionsync/internal/version"
	"github.com/openmined/regionsync/internal/watcher"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const stopTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon. Region files under worlds_dir are picked up once they
have stopped changing, and the local control plane accepts completion events
from the game server. Interrupted work is resumed from the ledger on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{
				"worlds_dir":    "worlds-dir",
				"data_dir":      "data-dir",
				"workers":       "workers",
				"watch.enabled": "watch",
			})
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closer, err := setupLogging(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			slog.Info("regionsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
			slog.Info("config", "path", cfg.Path, "worlds", cfg.WorldsDir, "data", cfg.DataDir,
				"remote", cfg.Remote.Type, "workers", cfg.Workers)

			defer slog.Info("Bye!")
			return runDaemon(cmd.Context(), cfg, drain)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("worlds-dir", "w", "", "directory holding the world folders")
	cmd.Flags().StringP("data-dir", "d", "", "directory for the ledger, staging and logs")
	cmd.Flags().IntP("workers", "n", 0, "number of concurrent transfers")
	cmd.Flags().Bool("watch", true, "watch worlds_dir for finished region files")
	cmd.Flags().BoolVar(&drain, "drain", true, "let in-flight transfers finish on shutdown")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, drain bool) error {
	lock, err := utils.TryLockDir(cfg.LockPath())
	if err != nil {
		if errors.Is(err, utils.ErrLocked) {
			return fmt.Errorf("another regionsync is already using %s", cfg.DataDir)
		}
		return err
	}
	defer lock.Unlock()

	coord, err := regionsync.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	if err := coord.Start(ctx); err != nil {
		coord.Shutdown(false)
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	var w *watcher.Watcher
	if cfg.Watch.Enabled {
		w = watcher.New(cfg.WorldsDir, cfg.Watch.Include, cfg.Watch.SettleTime)
		if err := w.Start(gctx); err != nil {
			coord.Shutdown(false)
			return fmt.Errorf("watch %s: %w", cfg.WorldsDir, err)
		}
		group.Go(func() error {
			return feedExisting(gctx, coord, w)
		})
		group.Go(func() error {
			for ev := range w.Events() {
				if err := coord.OnRegionFileCompleted(ev); err != nil && !errors.Is(err, regionsync.ErrPipelineHalted) {
					slog.Warn("region event rejected", "path", ev.LocalPath, "error", err)
				}
			}
			return nil
		})
	}

	var cp *controlplane.Server
	if cfg.ControlPlane.Enabled {
		cp, err = controlplane.New(cfg.ControlPlane, coord)
		if err != nil {
			coord.Shutdown(false)
			return err
		}
		group.Go(func() error {
			return cp.Start(gctx)
		})
	}

	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-coord.Halted():
			slog.Error("sync halted; fix the problem and restart the daemon", "error", coord.Fatal())
			<-gctx.Done()
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if cp != nil {
			if err := cp.Stop(stopCtx); err != nil {
				slog.Warn("control plane stop", "error", err)
			}
		}
		if w != nil {
			w.Stop()
		}
		return nil
	})

	err = group.Wait()
	if serr := coord.Shutdown(drain); serr != nil {
		slog.Error("shutdown", "error", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return coord.Fatal()
}

// feedExisting enqueues region files that were finished while the daemon was not running.
func feedExisting(ctx context.Context, coord *regionsync.Coordinator, w *watcher.Watcher) error {
	found, err := w.Scan()
	if err != nil {
		slog.Warn("initial scan", "error", err)
		return nil
	}
	for _, ev := range found {
		if ctx.Err() != nil {
			return nil
		}
		if err := coord.OnRegionFileCompleted(ev); err != nil {
			if errors.Is(err, regionsync.ErrPipelineHalted) {
				return nil
			}
			slog.Warn("region event rejected", "path", ev.LocalPath, "error", err)
		}
	}
	if len(found) > 0 {
		slog.Info("initial scan", "regions", len(found))
	}
	return nil
}
