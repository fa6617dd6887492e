// Package cli implements the splitsync command-line interface.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/splitsync/internal/paths"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
}

var flags rootFlags

// session is the configuration every subcommand sees after the root's
// PersistentPreRunE has run.
type session struct {
	configDir string
	cfg       types.Config
	logger    *slog.Logger
}

var current session

// sysError marks a failure of the environment rather than of the input.
type sysError struct{ err error }

func (e *sysError) Error() string { return e.err.Error() }
func (e *sysError) Unwrap() error { return e.err }

func systemError(format string, args ...any) error {
	return &sysError{err: fmt.Errorf(format, args...)}
}

// NewRootCmd creates the top-level "splitsync" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "splitsync",
		Short: "Shared-expense ledger server and offline sync client",
		Long: "splitsync serves a shared-expense ledger over HTTP, mirrors every write\n" +
			"to a secondary store, and replays mutations queued on offline devices.",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: $(CWD)/.splitsync-db)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newOutboxCmd())
	root.AddCommand(newBalancesCmd())
	root.AddCommand(newFriendsCmd())
	root.AddCommand(newClientCmd())

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		var se *sysError
		if errors.As(err, &se) {
			os.Exit(exitSysError)
		}
		os.Exit(exitUserError)
	}
	os.Exit(exitSuccess)
}

// setup resolves directories, loads config.yaml, and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	env := paths.System()
	configDir, err := env.ConfigDir(flags.configDir)
	if err != nil {
		return systemError("resolving config dir: %w", err)
	}
	cfg, err := loadConfig(configDir)
	if err != nil {
		return systemError("loading config: %w", err)
	}
	if err := env.Place(&cfg, configDir, flags.dataDir); err != nil {
		return systemError("resolving paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	current = session{configDir: configDir, cfg: cfg, logger: logger}
	return nil
}

// output prints v as indented JSON in --json mode and through text
// otherwise.
func output(cmd *cobra.Command, v any, text func() string) error {
	if flags.jsonMode {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text())
	return nil
}
