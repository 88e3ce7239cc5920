package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/regionsync/internal/config"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/regionsync"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

// statusView is what `status` prints, from the daemon or from the ledger.
type statusView struct {
	Source  string             `json:"source"`
	Summary regionsync.Summary `json:"summary"`
	Failed  []*ledger.Entry    `json:"failed,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var (
		asJSON     bool
		watch      bool
		offline    bool
		showFailed bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if watch {
				client, err := daemonClient(cfg)
				if err != nil {
					return fmt.Errorf("--watch needs a running daemon: %w", err)
				}
				return watchStatus(cmd.Context(), client, interval)
			}

			var view *statusView
			if !offline {
				view, err = daemonStatus(cmd.Context(), cfg, showFailed)
				if err != nil && !isUnreachable(err) {
					return err
				}
			}
			if view == nil {
				err = readLedger(cfg, func(l *ledger.Ledger) error {
					view, err = ledgerStatus(l, showFailed)
					return err
				})
				if err != nil {
					return err
				}
			}

			if asJSON {
				data, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			printStatus(cmd.OutOrStdout(), view)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow live progress from the daemon")
	cmd.Flags().BoolVar(&offline, "offline", false, "read the ledger directly instead of asking the daemon")
	cmd.Flags().BoolVar(&showFailed, "failed", false, "list failed regions")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval for --watch")
	return cmd
}

func daemonStatus(ctx context.Context, cfg *config.Config, showFailed bool) (*statusView, error) {
	client, err := daemonClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := cmdContext(ctx)
	defer cancel()

	resp, err := client.Status(ctx)
	if err != nil {
		return nil, err
	}
	view := &statusView{Source: "daemon", Summary: resp.Summary}
	if showFailed {
		failed, err := client.Failed(ctx)
		if err != nil {
			return nil, err
		}
		view.Failed = failed.Entries
	}
	return view, nil
}

func ledgerStatus(l *ledger.Ledger, showFailed bool) (*statusView, error) {
	sum, err := l.Summary()
	if err != nil {
		return nil, err
	}
	view := &statusView{
		Source: "ledger",
		Summary: regionsync.Summary{
			Counts:           sum.Counts,
			TerminalFailures: sum.TerminalFailures,
			BytesSynced:      sum.BytesSynced,
			BytesCompressed:  sum.BytesCompressed,
		},
	}
	if showFailed {
		if view.Failed, err = l.ListByState(ledger.StateFailed); err != nil {
			return nil, err
		}
	}
	return view, nil
}

func printStatus(w io.Writer, view *statusView) {
	fmt.Fprintln(w, renderSummary(view.Summary, view.Source))
	if len(view.Failed) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderFailed(view.Failed))
	}
}

func renderSummary(s regionsync.Summary, source string) string {
	var b strings.Builder

	header := bold.Render("regionsync")
	if source != "" {
		header += gray.Render(" (" + source + ")")
	}
	b.WriteString(header + "\n")

	if s.Fatal != "" {
		b.WriteString(red.Render("HALTED: "+s.Fatal) + "\n")
	}

	row := func(label string, value string) {
		fmt.Fprintf(&b, "  %-12s %s\n", label, value)
	}
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	row("regions", fmt.Sprint(total))
	row("done", green.Render(fmt.Sprint(s.Counts[ledger.StateDone])))
	row("pending", fmt.Sprint(s.Counts[ledger.StatePending]))
	inProgress := s.Counts[ledger.StateCompressing] + s.Counts[ledger.StateUploading] + s.Counts[ledger.StateVerifying]
	row("in progress", cyan.Render(fmt.Sprint(inProgress)))

	failed := fmt.Sprint(s.Counts[ledger.StateFailed])
	if s.TerminalFailures > 0 {
		failed = red.Render(fmt.Sprintf("%s (%d terminal)", failed, s.TerminalFailures))
	} else if s.Counts[ledger.StateFailed] > 0 {
		failed = yellow.Render(failed + " (retrying)")
	}
	row("failed", failed)

	synced := humanize.IBytes(uint64(s.BytesSynced))
	if s.BytesSynced > 0 {
		synced += gray.Render(fmt.Sprintf(" -> %s remote", humanize.IBytes(uint64(s.BytesCompressed))))
	}
	row("synced", synced)

	if source == "daemon" {
		row("queued", fmt.Sprint(s.Queued))
		row("session", fmt.Sprintf("%d uploaded, %d failed attempts", s.SessionUploads, s.SessionFailures))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderFailed(entries []*ledger.Entry) string {
	entries = slices.Clone(entries)
	slices.SortFunc(entries, func(a, b *ledger.Entry) int { return cmp.Compare(a.Seq, b.Seq) })

	var b strings.Builder
	b.WriteString(bold.Render("failed regions") + "\n")
	for _, e := range entries {
		mark := yellow.Render("retry")
		if e.Terminal {
			mark = red.Render("final")
		}
		fmt.Fprintf(&b, "  %s %-28s %s %s\n", mark, e.Key, gray.Render(fmt.Sprintf("x%d %s:", e.Attempts, e.FailureKind)), e.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}
