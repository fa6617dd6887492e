package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/splitsync/internal/ledger"
	"github.com/mesh-intelligence/splitsync/internal/mirror"
	"github.com/mesh-intelligence/splitsync/internal/sqlite"
)

func newOutboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive the mirror outbox",
	}
	cmd.AddCommand(newOutboxFlushCmd(), newOutboxStatsCmd(), newOutboxRequeueCmd(), newOutboxPruneCmd())
	return cmd
}

func newOutboxFlushCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Deliver due outbox items to the mirror once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				limit = current.cfg.Outbox.BatchSize
			}
			m, err := openMirror(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()
			return withService(func(_ *ledger.Service, backend *sqlite.Backend) error {
				res, err := newOutbox(backend, m).Flush(cmd.Context(), limit)
				if err != nil {
					return systemError("flushing outbox: %w", err)
				}
				return output(cmd, res, func() string {
					return fmt.Sprintf("claimed %d, delivered %d, retried %d, failed %d",
						res.Claimed, res.Delivered, res.Retried, res.Failed)
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum items to claim (default: outbox.batch_size)")
	return cmd
}

func newOutboxStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count outbox items by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ *ledger.Service, backend *sqlite.Backend) error {
				stats, err := newOutbox(backend, mirror.Discard{}).Stats(cmd.Context())
				if err != nil {
					return systemError("reading outbox: %w", err)
				}
				return output(cmd, stats, func() string {
					statuses := make([]string, 0, len(stats))
					for s := range stats {
						statuses = append(statuses, s)
					}
					sort.Strings(statuses)
					var b strings.Builder
					for _, s := range statuses {
						fmt.Fprintf(&b, "%-10s %d\n", s, stats[s])
					}
					return strings.TrimRight(b.String(), "\n")
				})
			})
		},
	}
}

func newOutboxRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <idempotency-key>",
		Short: "Return a failed outbox item to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ *ledger.Service, backend *sqlite.Backend) error {
				if err := newOutbox(backend, mirror.Discard{}).Requeue(cmd.Context(), args[0]); err != nil {
					return err
				}
				return output(cmd, map[string]string{"requeued": args[0]}, func() string {
					return "requeued " + args[0]
				})
			})
		},
	}
}

func newOutboxPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete delivered items older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = current.cfg.Outbox.Retention
			}
			return withService(func(_ *ledger.Service, backend *sqlite.Backend) error {
				n, err := newOutbox(backend, mirror.Discard{}).Prune(cmd.Context(), olderThan)
				if err != nil {
					return systemError("pruning outbox: %w", err)
				}
				return output(cmd, map[string]int64{"pruned": n}, func() string {
					return fmt.Sprintf("pruned %d items", n)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default: outbox.retention)")
	return cmd
}
