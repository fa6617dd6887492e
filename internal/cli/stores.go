package cli

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mesh-intelligence/splitsync/internal/cache"
	"github.com/mesh-intelligence/splitsync/internal/ledger"
	"github.com/mesh-intelligence/splitsync/internal/mirror"
	"github.com/mesh-intelligence/splitsync/internal/offline"
	"github.com/mesh-intelligence/splitsync/internal/outbox"
	"github.com/mesh-intelligence/splitsync/internal/sqlite"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// openBackend attaches the SQLite store in the configured data directory.
// Writes enqueue outbox rows unless mirroring is switched off.
func openBackend(cfg types.Config, logger *slog.Logger) (*sqlite.Backend, error) {
	opts := []sqlite.Option{sqlite.WithLogger(logger)}
	if cfg.Mirror.Kind == types.MirrorNone {
		opts = append(opts, sqlite.WithoutMirroring())
	}
	backend := sqlite.NewBackend(opts...)
	if err := backend.Attach(cfg); err != nil {
		return nil, systemError("attaching store: %w", err)
	}
	return backend, nil
}

// withService runs fn against a ledger service over the configured store.
// The cache is the in-process tier only; CLI invocations are too short for
// the Badger tier to pay off.
func withService(fn func(svc *ledger.Service, backend *sqlite.Backend) error) error {
	backend, err := openBackend(current.cfg, current.logger)
	if err != nil {
		return err
	}
	defer backend.Detach()
	layer := cache.NewLayer(current.cfg.Cache.Prefix, cache.WithLogger(current.logger))
	defer layer.Close()
	return fn(ledger.NewService(backend, layer, ledger.WithLogger(current.logger)), backend)
}

// newOutbox builds an outbox over backend delivering to m.
func newOutbox(backend *sqlite.Backend, m mirror.Mirror) *outbox.Outbox {
	return outbox.New(backend, m,
		outbox.WithLogger(current.logger),
		outbox.WithMaxRetries(current.cfg.Outbox.MaxRetries),
		outbox.WithStaleClaim(current.cfg.Outbox.StaleClaim),
	)
}

// withDriver runs fn against the offline queue and an HTTP remote.
func withDriver(fn func(d *offline.Driver, q *offline.Queue) error) error {
	cfg := current.cfg.Client
	if cfg.UserID == "" {
		return errors.New("client.user_id is not configured (set SPLITSYNC_CLIENT_USER_ID)")
	}
	q, err := offline.OpenQueue(cfg.QueuePath, offline.WithQueueMaxRetries(cfg.MaxRetries))
	if err != nil {
		return systemError("opening queue: %w", err)
	}
	defer q.Close()
	remote := offline.NewHTTPRemote(cfg.ServerURL, cfg.UserID, cfg.Timeout)
	return fn(offline.NewDriver(q, remote, cfg.UserID, offline.WithLogger(current.logger)), q)
}

// openMirror opens the configured secondary store.
func openMirror(ctx context.Context) (mirror.Mirror, error) {
	m, err := mirror.Open(ctx, current.cfg, current.logger)
	if err != nil {
		return nil, systemError("opening mirror: %w", err)
	}
	return m, nil
}
