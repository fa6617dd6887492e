package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/splitsync/internal/ledger"
	"github.com/mesh-intelligence/splitsync/internal/sqlite"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

func newBalancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Check and rebuild stored balance snapshots",
	}
	cmd.AddCommand(newBalancesRecalcCmd(), newBalancesValidateCmd(), newBalancesShowCmd())
	return cmd
}

func newBalancesRecalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc [user-id...]",
		Short: "Rewrite balance snapshots from the ledger (every user when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(svc *ledger.Service, _ *sqlite.Backend) error {
				n, err := svc.Recalculator().ForceRecalculation(cmd.Context(), args...)
				if err != nil {
					return systemError("recalculating balances: %w", err)
				}
				return output(cmd, map[string]int{"recalculated": n}, func() string {
					return fmt.Sprintf("recalculated %d users", n)
				})
			})
		},
	}
}

func newBalancesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Report snapshots that drifted from the ledger without changing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(svc *ledger.Service, _ *sqlite.Backend) error {
				found, err := svc.Recalculator().Validate(cmd.Context())
				if err != nil {
					return systemError("validating balances: %w", err)
				}
				if found == nil {
					found = []types.BalanceInconsistency{}
				}
				return output(cmd, found, func() string {
					if len(found) == 0 {
						return "balances consistent"
					}
					var b strings.Builder
					for _, f := range found {
						fmt.Fprintf(&b, "%s %s %s: stored %.2f, derived %.2f\n",
							f.UserID, f.Kind, f.CounterpartyID, f.Stored, f.Derived)
					}
					return strings.TrimRight(b.String(), "\n")
				})
			})
		},
	}
}

func newBalancesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a user's balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(svc *ledger.Service, _ *sqlite.Backend) error {
				bal, _, err := svc.UserBalances(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return output(cmd, bal, func() string {
					entries := bal.Entries()
					if len(entries) == 0 {
						return "settled up"
					}
					var b strings.Builder
					for _, e := range entries {
						fmt.Fprintf(&b, "%-6s %-36s %10.2f\n", e.Kind, e.CounterpartyID, e.Amount)
					}
					return strings.TrimRight(b.String(), "\n")
				})
			})
		},
	}
}
