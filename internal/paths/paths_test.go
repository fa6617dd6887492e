package paths

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// fakeEnv returns an Env rooted at fixed directories with vars as its
// environment.
func fakeEnv(goos string, vars map[string]string) Env {
	return Env{
		GOOS:          goos,
		Getenv:        func(k string) string { return vars[k] },
		Getwd:         func() (string, error) { return "/work", nil },
		HomeDir:       func() (string, error) { return "/home/ana", nil },
		UserConfigDir: func() (string, error) { return "/appdata", nil },
	}
}

func TestDefaultConfigDir(t *testing.T) {
	tests := []struct {
		name string
		goos string
		vars map[string]string
		want string
	}{
		{name: "linux uses XDG_CONFIG_HOME", goos: "linux", vars: map[string]string{"XDG_CONFIG_HOME": "/xdg"}, want: "/xdg/splitsync"},
		{name: "linux falls back to ~/.config", goos: "linux", want: "/home/ana/.config/splitsync"},
		{name: "darwin uses the user config dir", goos: "darwin", want: "/appdata/splitsync"},
		{name: "windows ignores XDG", goos: "windows", vars: map[string]string{"XDG_CONFIG_HOME": "/xdg"}, want: "/appdata/splitsync"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fakeEnv(tt.goos, tt.vars).DefaultConfigDir()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultConfigDir_HomeUnavailable(t *testing.T) {
	env := fakeEnv("linux", nil)
	env.HomeDir = func() (string, error) { return "", errors.New("no home") }
	_, err := env.DefaultConfigDir()
	assert.Error(t, err)
}

func TestConfigDir(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{name: "flag wins over env", flag: "/explicit", env: "/from-env", want: "/explicit"},
		{name: "env when flag empty", env: "/from-env", want: "/from-env"},
		{name: "relative flag joins the working dir", flag: "conf", want: "/work/conf"},
		{name: "relative env joins the working dir", env: "conf", want: "/work/conf"},
		{name: "platform default when both empty", want: "/home/ana/.config/splitsync"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := fakeEnv("linux", map[string]string{EnvConfigDir: tt.env})
			got, err := env.ConfigDir(tt.flag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlace_DataDir(t *testing.T) {
	tests := []struct {
		name     string
		flag     string
		cfgValue string
		want     string
	}{
		{name: "flag wins over config", flag: "/flag/data", cfgValue: "/config/data", want: "/flag/data"},
		{name: "relative flag joins the working dir", flag: "db", want: "/work/db"},
		{name: "absolute config value", cfgValue: "/config/data", want: "/config/data"},
		{name: "relative config value joins the config dir", cfgValue: "db", want: "/etc/splitsync/db"},
		{name: "working dir default", want: "/work/" + DefaultDataDirName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := types.Config{DataDir: tt.cfgValue}
			require.NoError(t, fakeEnv("linux", nil).Place(&cfg, "/etc/splitsync", tt.flag))
			assert.Equal(t, tt.want, cfg.DataDir)
		})
	}
}

func TestPlace_StoresUnderDataDir(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := types.Config{DataDir: "/data"}
		require.NoError(t, fakeEnv("linux", nil).Place(&cfg, "/etc/splitsync", ""))

		assert.Equal(t, "/data/queue", cfg.Client.QueuePath)
		assert.Equal(t, "/data/mirror", cfg.Mirror.Dir)
		assert.Empty(t, cfg.Cache.Path, "an unset cache path keeps the badger tier in memory")
	})

	t.Run("relative values join the data dir", func(t *testing.T) {
		cfg := types.Config{DataDir: "/data"}
		cfg.Client.QueuePath = "client/q"
		cfg.Mirror.Dir = "out"
		cfg.Cache.Path = "badger"
		require.NoError(t, fakeEnv("linux", nil).Place(&cfg, "/etc/splitsync", ""))

		assert.Equal(t, "/data/client/q", cfg.Client.QueuePath)
		assert.Equal(t, "/data/out", cfg.Mirror.Dir)
		assert.Equal(t, "/data/badger", cfg.Cache.Path)
	})

	t.Run("absolute values are kept", func(t *testing.T) {
		cfg := types.Config{DataDir: "/data"}
		cfg.Client.QueuePath = "/var/q/../queue"
		cfg.Cache.Path = "/var/cache"
		require.NoError(t, fakeEnv("linux", nil).Place(&cfg, "/etc/splitsync", ""))

		assert.Equal(t, "/var/queue", cfg.Client.QueuePath)
		assert.Equal(t, "/var/cache", cfg.Cache.Path)
	})
}

func TestPlace_WorkingDirUnavailable(t *testing.T) {
	env := fakeEnv("linux", nil)
	env.Getwd = func() (string, error) { return "", errors.New("gone") }

	cfg := types.Config{}
	assert.Error(t, env.Place(&cfg, "/etc/splitsync", ""))
}

func TestSystem_ConfigDirIsAbsolute(t *testing.T) {
	t.Setenv(EnvConfigDir, "relative/env")
	got, err := System().ConfigDir("")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)
}
