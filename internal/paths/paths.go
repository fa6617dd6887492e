// Package paths places splitsync's on-disk state: the configuration
// directory, the server data directory, and the stores that live beneath
// it (client queue, Badger cache, file mirror).
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

const (
	appName = "splitsync"

	// EnvConfigDir overrides the platform configuration directory. The other
	// locations come from config.yaml, where SPLITSYNC_* variables already
	// apply.
	EnvConfigDir = "SPLITSYNC_CONFIG_DIR"

	// DefaultDataDirName is created in the working directory when no data
	// directory is configured.
	DefaultDataDirName = ".splitsync-db"

	QueueDirName  = "queue"
	MirrorDirName = "mirror"
)

// Env is the process state path resolution reads. Tests build one by hand;
// everything else uses System.
type Env struct {
	GOOS          string
	Getenv        func(string) string
	Getwd         func() (string, error)
	HomeDir       func() (string, error)
	UserConfigDir func() (string, error)
}

// System returns the Env of the running process.
func System() Env {
	return Env{
		GOOS:          runtime.GOOS,
		Getenv:        os.Getenv,
		Getwd:         os.Getwd,
		HomeDir:       os.UserHomeDir,
		UserConfigDir: os.UserConfigDir,
	}
}

// DefaultConfigDir returns the platform configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/splitsync (fallback ~/.config/splitsync)
// macOS:   ~/Library/Application Support/splitsync
// Windows: %APPDATA%/splitsync
func (e Env) DefaultConfigDir() (string, error) {
	if e.GOOS == "linux" {
		if xdg := e.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		home, err := e.HomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", appName), nil
	}
	dir, err := e.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName), nil
}

// ConfigDir picks the configuration directory: flag, then
// SPLITSYNC_CONFIG_DIR, then the platform default.
func (e Env) ConfigDir(flag string) (string, error) {
	for _, v := range []string{flag, e.Getenv(EnvConfigDir)} {
		if v != "" {
			return e.fromCwd(v)
		}
	}
	return e.DefaultConfigDir()
}

// Place rewrites every location in cfg to an absolute path.
//
// The data directory comes from dataFlag (relative to the working
// directory), else cfg.DataDir (relative to configDir), else
// $(CWD)/.splitsync-db. Queue, cache, and mirror locations that are
// relative resolve against the data directory. An empty cache path stays
// empty so the Badger tier runs in memory.
func (e Env) Place(cfg *types.Config, configDir, dataFlag string) error {
	var err error
	switch {
	case dataFlag != "":
		cfg.DataDir, err = e.fromCwd(dataFlag)
	case cfg.DataDir != "":
		cfg.DataDir = under(configDir, cfg.DataDir)
	default:
		cfg.DataDir, err = e.fromCwd(DefaultDataDirName)
	}
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	cfg.Client.QueuePath = under(cfg.DataDir, orDefault(cfg.Client.QueuePath, QueueDirName))
	cfg.Mirror.Dir = under(cfg.DataDir, orDefault(cfg.Mirror.Dir, MirrorDirName))
	if cfg.Cache.Path != "" {
		cfg.Cache.Path = under(cfg.DataDir, cfg.Cache.Path)
	}
	return nil
}

func (e Env) fromCwd(p string) (string, error) {
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	cwd, err := e.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, p), nil
}

// under joins p onto base unless p is already absolute.
func under(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
