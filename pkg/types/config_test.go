package types

import (
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: nil,
		},
		{
			name:    "unknown mirror returns ErrMirrorUnknown",
			mutate:  func(c *Config) { c.Mirror.Kind = "cassandra" },
			wantErr: ErrMirrorUnknown,
		},
		{
			name:    "postgres mirror without dsn",
			mutate:  func(c *Config) { c.Mirror.Kind = MirrorPostgres },
			wantErr: ErrMirrorDSNEmpty,
		},
		{
			name: "mongo mirror with dsn is valid",
			mutate: func(c *Config) {
				c.Mirror.Kind = MirrorMongo
				c.Mirror.DSN = "mongodb://localhost:27017"
			},
			wantErr: nil,
		},
		{
			name:    "zero outbox retries",
			mutate:  func(c *Config) { c.Outbox.MaxRetries = 0 },
			wantErr: ErrMaxRetriesInvalid,
		},
		{
			name:    "zero client retries",
			mutate:  func(c *Config) { c.Client.MaxRetries = 0 },
			wantErr: ErrMaxRetriesInvalid,
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Outbox.BatchSize = 0 },
			wantErr: ErrBatchSizeInvalid,
		},
		{
			name:    "zero flush interval",
			mutate:  func(c *Config) { c.Outbox.FlushInterval = 0 },
			wantErr: ErrFlushIntervalInvalid,
		},
		{
			name:    "negative ops per second",
			mutate:  func(c *Config) { c.Cache.OpsPerSecond = -1 },
			wantErr: ErrOpsPerSecondInvalid,
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: ErrLogFormatUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}
