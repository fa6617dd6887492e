package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize splitsync configuration and storage",
		Long:  "Create the configuration directory with a default config.yaml, then create\nthe database in the data directory and apply migrations.",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	written, err := ensureDefaultConfigFile(current.configDir)
	if err != nil {
		return systemError("write config: %w", err)
	}

	backend, err := openBackend(current.cfg, current.logger)
	if err != nil {
		return err
	}
	if err := backend.Detach(); err != nil {
		return systemError("finalize storage: %w", err)
	}

	configPath := filepath.Join(current.configDir, configFileExt)
	result := map[string]any{
		"config":        configPath,
		"configWritten": written,
		"dataDir":       current.cfg.DataDir,
	}
	return output(cmd, result, func() string {
		return fmt.Sprintf("splitsync initialized\n  config: %s\n  data:   %s", configPath, current.cfg.DataDir)
	})
}
