package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"
	envPrefix      = "SPLITSYNC"
)

// Config keys as they appear in config.yaml. Environment overrides replace
// dots with underscores: SPLITSYNC_OUTBOX_MAX_RETRIES.
const (
	cfgKeyDataDir             = "data_dir"
	cfgKeyCacheEnabled        = "cache.enabled"
	cfgKeyCachePrefix         = "cache.prefix"
	cfgKeyCachePath           = "cache.path"
	cfgKeyCacheInMemory       = "cache.in_memory"
	cfgKeyCacheOpsPerSecond   = "cache.ops_per_second"
	cfgKeyCacheBurst          = "cache.burst"
	cfgKeyOutboxMaxRetries    = "outbox.max_retries"
	cfgKeyOutboxBatchSize     = "outbox.batch_size"
	cfgKeyOutboxFlushInterval = "outbox.flush_interval"
	cfgKeyOutboxStaleClaim    = "outbox.stale_claim"
	cfgKeyOutboxRetention     = "outbox.retention"
	cfgKeyMirrorKind          = "mirror.kind"
	cfgKeyMirrorDSN           = "mirror.dsn"
	cfgKeyMirrorDatabase      = "mirror.database"
	cfgKeyMirrorDir           = "mirror.dir"
	cfgKeyServerAddr          = "server.addr"
	cfgKeyClientServerURL     = "client.server_url"
	cfgKeyClientQueuePath     = "client.queue_path"
	cfgKeyClientUserID        = "client.user_id"
	cfgKeyClientMaxRetries    = "client.max_retries"
	cfgKeyClientTimeout       = "client.timeout"
	cfgKeyLogLevel            = "log.level"
	cfgKeyLogFormat           = "log.format"
)

// defaultConfigYAML is written by "splitsync init" when config.yaml is
// missing.
const defaultConfigYAML = `# splitsync configuration
# Every key can be overridden with SPLITSYNC_<KEY>, dots replaced by
# underscores (SPLITSYNC_MIRROR_KIND=postgres).

# data_dir:     relative to this directory
# Relative cache, mirror, and queue paths resolve under data_dir.

cache:
  enabled: true
  prefix: splitsync
  # path: empty keeps the badger tier in memory
  ops_per_second: 100
  burst: 20

outbox:
  max_retries: 10
  batch_size: 50
  flush_interval: 5s
  stale_claim: 1m
  retention: 168h

mirror:
  kind: jsonl   # none | jsonl | postgres | mongo
  # dsn:
  # database:
  # dir:

server:
  addr: ":8080"

client:
  server_url: http://localhost:8080
  # user_id:
  # queue_path:
  max_retries: 5
  timeout: 10s

log:
  level: info
  format: text  # text | json
`

func setDefaults(v *viper.Viper, d types.Config) {
	v.SetDefault(cfgKeyCacheEnabled, d.Cache.Enabled)
	v.SetDefault(cfgKeyCachePrefix, d.Cache.Prefix)
	v.SetDefault(cfgKeyCacheOpsPerSecond, d.Cache.OpsPerSecond)
	v.SetDefault(cfgKeyCacheBurst, d.Cache.Burst)
	v.SetDefault(cfgKeyOutboxMaxRetries, d.Outbox.MaxRetries)
	v.SetDefault(cfgKeyOutboxBatchSize, d.Outbox.BatchSize)
	v.SetDefault(cfgKeyOutboxFlushInterval, d.Outbox.FlushInterval)
	v.SetDefault(cfgKeyOutboxStaleClaim, d.Outbox.StaleClaim)
	v.SetDefault(cfgKeyOutboxRetention, d.Outbox.Retention)
	v.SetDefault(cfgKeyMirrorKind, d.Mirror.Kind)
	v.SetDefault(cfgKeyServerAddr, d.Server.Addr)
	v.SetDefault(cfgKeyClientServerURL, d.Client.ServerURL)
	v.SetDefault(cfgKeyClientMaxRetries, d.Client.MaxRetries)
	v.SetDefault(cfgKeyClientTimeout, d.Client.Timeout)
	v.SetDefault(cfgKeyLogLevel, d.Log.Level)
	v.SetDefault(cfgKeyLogFormat, d.Log.Format)

	// Keys without a default still need registering for AutomaticEnv to
	// resolve them through Get.
	for _, k := range []string{cfgKeyDataDir, cfgKeyCachePath, cfgKeyCacheInMemory, cfgKeyMirrorDSN,
		cfgKeyMirrorDatabase, cfgKeyMirrorDir, cfgKeyClientQueuePath, cfgKeyClientUserID} {
		_ = v.BindEnv(k)
	}
}

// loadConfig reads config.yaml from configDir over the built-in defaults,
// then applies SPLITSYNC_* environment overrides. A missing config.yaml is
// not an error.
func loadConfig(configDir string) (types.Config, error) {
	v := viper.New()
	setDefaults(v, types.DefaultConfig())
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return types.Config{
		DataDir: v.GetString(cfgKeyDataDir),
		Cache: types.CacheConfig{
			Enabled:      v.GetBool(cfgKeyCacheEnabled),
			Prefix:       v.GetString(cfgKeyCachePrefix),
			Path:         v.GetString(cfgKeyCachePath),
			InMemory:     v.GetBool(cfgKeyCacheInMemory),
			OpsPerSecond: v.GetFloat64(cfgKeyCacheOpsPerSecond),
			Burst:        v.GetInt(cfgKeyCacheBurst),
		},
		Outbox: types.OutboxConfig{
			MaxRetries:    v.GetInt(cfgKeyOutboxMaxRetries),
			BatchSize:     v.GetInt(cfgKeyOutboxBatchSize),
			FlushInterval: v.GetDuration(cfgKeyOutboxFlushInterval),
			StaleClaim:    v.GetDuration(cfgKeyOutboxStaleClaim),
			Retention:     v.GetDuration(cfgKeyOutboxRetention),
		},
		Mirror: types.MirrorConfig{
			Kind:     v.GetString(cfgKeyMirrorKind),
			DSN:      v.GetString(cfgKeyMirrorDSN),
			Database: v.GetString(cfgKeyMirrorDatabase),
			Dir:      v.GetString(cfgKeyMirrorDir),
		},
		Server: types.ServerConfig{Addr: v.GetString(cfgKeyServerAddr)},
		Client: types.ClientConfig{
			ServerURL:  v.GetString(cfgKeyClientServerURL),
			QueuePath:  v.GetString(cfgKeyClientQueuePath),
			UserID:     v.GetString(cfgKeyClientUserID),
			MaxRetries: v.GetInt(cfgKeyClientMaxRetries),
			Timeout:    v.GetDuration(cfgKeyClientTimeout),
		},
		Log: types.LogConfig{
			Level:  v.GetString(cfgKeyLogLevel),
			Format: v.GetString(cfgKeyLogFormat),
		},
	}, nil
}

// ensureDefaultConfigFile writes config.yaml when it does not exist.
// It reports whether a file was written.
func ensureDefaultConfigFile(configDir string) (bool, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return false, err
	}
	path := filepath.Join(configDir, configFileExt)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	return true, os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// newLogger builds the slog handler named by cfg.
func newLogger(cfg types.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case types.LogFormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case types.LogFormatText, "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, types.ErrLogFormatUnknown
}
