package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/splitsync/internal/offline"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Queue mutations offline and replay them against the server",
	}
	cmd.AddCommand(
		newClientEnqueueCmd(),
		newClientSyncCmd(),
		newClientStatusCmd(),
		newClientConflictsCmd(),
		newClientResolveCmd(),
		newClientRetryCmd(),
		newClientDiscardCmd(),
	)
	return cmd
}

func newClientEnqueueCmd() *cobra.Command {
	var (
		file    string
		version int64
	)
	cmd := &cobra.Command{
		Use:   "enqueue <create|update|delete> <expense|settlement> [entity-id]",
		Short: "Record a mutation in the offline queue",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entityID string
			if len(args) == 3 {
				entityID = args[2]
			}
			var data json.RawMessage
			if file != "" {
				raw, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				if !json.Valid(raw) {
					return fmt.Errorf("%s: %w", file, types.ErrInvalidData)
				}
				data = raw
			}
			return withDriver(func(_ *offline.Driver, q *offline.Queue) error {
				item, err := q.Enqueue(cmd.Context(), args[0], args[1], entityID, data, version)
				if err != nil {
					return err
				}
				return output(cmd, item, func() string {
					return fmt.Sprintf("queued %s %s %s (#%d)", item.Type, item.EntityType, item.EntityID, item.Seq)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "entity JSON file, - for stdin")
	cmd.Flags().Int64Var(&version, "version", 0, "server version the edit is based on")
	return cmd
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

func newClientSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay pending mutations against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(func(d *offline.Driver, _ *offline.Queue) error {
				report, err := d.Sync(cmd.Context())
				if err != nil {
					return err
				}
				return output(cmd, report, func() string {
					return fmt.Sprintf("synced %d, auto-resolved %d, conflicts %d, retried %d, failed %d, blocked %d",
						report.Synced, report.Resolved, report.Conflicts, report.Retried, report.Failed, report.Blocked)
				})
			})
		},
	}
}

func newClientStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count queued mutations and open conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(func(d *offline.Driver, q *offline.Queue) error {
				st, err := d.Status(cmd.Context())
				if err != nil {
					return err
				}
				failed, err := q.Failed(cmd.Context())
				if err != nil {
					return err
				}
				return output(cmd, st, func() string {
					var b strings.Builder
					fmt.Fprintf(&b, "pending %d, failed %d, conflicts %d", st.Pending, st.Failed, st.Conflicts)
					for _, item := range failed {
						fmt.Fprintf(&b, "\n  failed %s %s %s: %s", item.ID, item.Type, item.EntityID, item.LastError)
					}
					return b.String()
				})
			})
		},
	}
}

func newClientConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts waiting for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(func(_ *offline.Driver, q *offline.Queue) error {
				records, err := q.Conflicts()
				if err != nil {
					return err
				}
				if records == nil {
					records = []types.ConflictRecord{}
				}
				return output(cmd, records, func() string {
					if len(records) == 0 {
						return "no open conflicts"
					}
					var b strings.Builder
					for _, r := range records {
						fmt.Fprintf(&b, "%s %s %s %s: server %s, client %s\n",
							r.ID, r.EntityType, r.EntityID, r.Field, r.ServerValue, r.ClientValue)
					}
					return strings.TrimRight(b.String(), "\n")
				})
			})
		},
	}
}

func newClientResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <server-wins|client-wins|merge>",
		Short: "Resolve a conflict through the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(func(d *offline.Driver, _ *offline.Queue) error {
				entity, err := d.ResolveConflict(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return output(cmd, entity, func() string {
					return fmt.Sprintf("resolved %s with %s", args[0], args[1])
				})
			})
		},
	}
}

func newClientRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Return a failed mutation to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(func(_ *offline.Driver, q *offline.Queue) error {
				if err := q.Retry(cmd.Context(), args[0]); err != nil {
					return err
				}
				return output(cmd, map[string]string{"retried": args[0]}, func() string {
					return "retrying " + args[0]
				})
			})
		},
	}
}

func newClientDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <item-id>",
		Short: "Drop a failed mutation so later edits to its entity can sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(func(_ *offline.Driver, q *offline.Queue) error {
				if err := q.Discard(cmd.Context(), args[0]); err != nil {
					return err
				}
				return output(cmd, map[string]string{"discarded": args[0]}, func() string {
					return "discarded " + args[0]
				})
			})
		},
	}
}
