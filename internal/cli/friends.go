package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/splitsync/internal/ledger"
	"github.com/mesh-intelligence/splitsync/internal/sqlite"
)

func newFriendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friends",
		Short: "Maintain bidirectional friendship rows",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Rewrite every friendship pair so both directions agree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(_ *ledger.Service, backend *sqlite.Backend) error {
				report, err := backend.RepairFriendships(cmd.Context())
				if err != nil {
					return systemError("repairing friendships: %w", err)
				}
				return output(cmd, report, func() string {
					return fmt.Sprintf("checked %d pairs, repaired %d, removed %d rows",
						report.Pairs, report.Repaired, report.RemovedRows)
				})
			})
		},
	})
	return cmd
}
