package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the Badger-backed tier.
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerProvider stores entries in Badger with per-entry TTLs.
type BadgerProvider struct {
	db *badger.DB
}

// maxSetRetries bounds optimistic retries of registry updates.
const maxSetRetries = 5

// OpenBadger opens a Badger tier.
func OpenBadger(cfg BadgerConfig) (*BadgerProvider, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(false).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &BadgerProvider{db: db}, nil
}

func (p *BadgerProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get: %w", err)
	}
	return value, true, nil
}

func (p *BadgerProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := p.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (p *BadgerProvider) AddMember(_ context.Context, key, member string, ttl time.Duration) error {
	var err error
	for attempt := 0; attempt < maxSetRetries; attempt++ {
		err = p.db.Update(func(txn *badger.Txn) error {
			members, expiresAt, err := readMembers(txn, key)
			if err != nil {
				return err
			}
			if expiresAt > 0 {
				if remaining := time.Until(time.Unix(int64(expiresAt), 0)); remaining > ttl {
					ttl = remaining
				}
			}
			for _, m := range members {
				if m == member {
					// Refresh the TTL only.
					return writeMembers(txn, key, members, ttl)
				}
			}
			return writeMembers(txn, key, append(members, member), ttl)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("badger add member: %w", err)
	}
	return nil
}

func (p *BadgerProvider) Members(_ context.Context, key string) ([]string, error) {
	var members []string
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		members, _, err = readMembers(txn, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("badger members: %w", err)
	}
	return members, nil
}

func (p *BadgerProvider) DeleteMany(_ context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	wb := p.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(k)); err != nil {
			return fmt.Errorf("badger batch delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger batch flush: %w", err)
	}
	return nil
}

func (p *BadgerProvider) Close() error {
	return p.db.Close()
}

// readMembers returns the registry set and its expiry in unix seconds, zero
// when it never expires.
func readMembers(txn *badger.Txn, key string) ([]string, uint64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, 0, err
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, 0, fmt.Errorf("decoding registry %s: %w", key, err)
	}
	return members, item.ExpiresAt(), nil
}

func writeMembers(txn *badger.Txn, key string, members []string, ttl time.Duration) error {
	raw, err := json.Marshal(members)
	if err != nil {
		return err
	}
	return txn.SetEntry(badger.NewEntry([]byte(key), raw).WithTTL(ttl))
}
