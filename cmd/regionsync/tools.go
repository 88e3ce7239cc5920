package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/regionsync/internal/compress"
	"github.com/openmined/regionsync/internal/transfer"
	"github.com/openmined/regionsync/internal/version"
	"github.com/spf13/cobra"
)

func newDecompressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompress <file.mca.zst|file.mca.lz4> [output.mca]",
		Short: "Restore a region file from a synced artifact",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			src := args[0]
			codec, ok := compress.CodecForName(src)
			if !ok {
				return fmt.Errorf("%s: unknown compressed file suffix", src)
			}

			dst := strings.TrimSuffix(src, codec.Suffix())
			if len(args) == 2 {
				dst = args[1]
			}
			if filepath.Clean(dst) == filepath.Clean(src) {
				return fmt.Errorf("output would overwrite the input")
			}

			n, err := compress.Decompress(src, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", green.Render("restored"), dst, humanize.IBytes(uint64(n)))
			return nil
		},
	}
}

func newTestConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Connect and authenticate to the remote and check that the base path is writable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			if err := cfg.ValidateRemote(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			target := cfg.Remote.Host
			if cfg.Remote.Type == transfer.TypeS3 {
				target = cfg.Remote.Bucket
			}
			fmt.Fprintf(cmd.OutOrStdout(), "testing %s %s %s\n", cfg.Remote.Type, target, gray.Render(cfg.Remote.BasePath))

			if err := transfer.TestConnection(cmd.Context(), cfg.Remote); err != nil {
				if kind, ok := transfer.KindOf(err); ok {
					return fmt.Errorf("%s: %w", kind, err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green.Render("ok"))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.DetailedWithApp())
			return err
		},
	}
}
