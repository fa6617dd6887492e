package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mesh-intelligence/splitsync/internal/conflict"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

var tracer = otel.Tracer("splitsync.offline")

// SyncReport counts what one Sync pass did.
type SyncReport struct {
	Synced    int `json:"synced"`
	Resolved  int `json:"resolved"`
	Conflicts int `json:"conflicts"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
}

// Status summarizes the queue for display.
type Status struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// Driver replays the queue against a Remote.
type Driver struct {
	queue   *Queue
	remote  Remote
	userID  string
	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) DriverOption {
	return func(d *Driver) { d.now = now }
}

// NewDriver builds a driver that replays q against remote as userID.
func NewDriver(q *Queue, remote Remote, userID string, opts ...DriverOption) *Driver {
	d := &Driver{
		queue:  q,
		remote: remote,
		userID: userID,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("component", "offline"))
	return d
}

type entityRef struct {
	entityType string
	entityID   string
}

// Sync replays every pending item once. Items are grouped by entity type,
// in order of each type's first appearance, and keep enqueue order within a
// group. An item that is retried, fails, or ends in conflict blocks later
// items for the same entity. A failed or conflicted item stays in the queue
// and keeps blocking them in later passes until it is retried, discarded,
// or its conflict is resolved. Only one pass runs at a time; a concurrent
// call returns types.ErrSyncInProgress.
func (d *Driver) Sync(ctx context.Context) (SyncReport, error) {
	if !d.running.CompareAndSwap(false, true) {
		return SyncReport{}, types.ErrSyncInProgress
	}
	defer d.running.Store(false)

	ctx, span := tracer.Start(ctx, "offline.Sync")
	defer span.End()

	items, err := d.queue.Items(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SyncReport{}, fmt.Errorf("loading queue: %w", err)
	}

	var report SyncReport
	blocked := make(map[entityRef]bool)
	rebased := make(map[entityRef]int64)

	for _, item := range groupByEntityType(items) {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			return report, err
		}
		ref := entityRef{item.EntityType, item.EntityID}
		if item.Status != types.QueuePending {
			blocked[ref] = true
			continue
		}
		if blocked[ref] {
			report.Blocked++
			syncItems.WithLabelValues(resultBlocked).Inc()
			continue
		}
		if v, ok := rebased[ref]; ok {
			item.Version = v
		}

		result, version, err := d.replay(ctx, item)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		syncItems.WithLabelValues(result).Inc()
		switch result {
		case resultSynced:
			report.Synced++
			rebased[ref] = version
		case resultResolved:
			report.Resolved++
			rebased[ref] = version
		case resultConflict:
			report.Conflicts++
			blocked[ref] = true
		case resultRetried:
			report.Retried++
			blocked[ref] = true
		case resultFailed:
			report.Failed++
			blocked[ref] = true
		}
	}

	span.SetAttributes(
		attribute.Int("sync.synced", report.Synced),
		attribute.Int("sync.resolved", report.Resolved),
		attribute.Int("sync.conflicts", report.Conflicts),
		attribute.Int("sync.failed", report.Failed),
	)
	if report.Synced+report.Resolved+report.Conflicts+report.Failed > 0 {
		d.logger.Info("sync pass",
			slog.Int("synced", report.Synced),
			slog.Int("resolved", report.Resolved),
			slog.Int("conflicts", report.Conflicts),
			slog.Int("retried", report.Retried),
			slog.Int("failed", report.Failed),
			slog.Int("blocked", report.Blocked),
		)
	}
	return report, nil
}

func groupByEntityType(items []types.SyncQueueItem) []types.SyncQueueItem {
	var order []string
	groups := make(map[string][]types.SyncQueueItem)
	for _, item := range items {
		if _, ok := groups[item.EntityType]; !ok {
			order = append(order, item.EntityType)
		}
		groups[item.EntityType] = append(groups[item.EntityType], item)
	}
	out := make([]types.SyncQueueItem, 0, len(items))
	for _, t := range order {
		out = append(out, groups[t]...)
	}
	return out
}

// replay sends one item and settles it in the queue. It returns the replay
// outcome and, on success, the server's new version. The error is non-nil
// only when the queue itself could not be updated.
func (d *Driver) replay(ctx context.Context, item types.SyncQueueItem) (string, int64, error) {
	var (
		ent Entity
		err error
	)
	switch item.Type {
	case types.MutationCreate:
		ent, err = d.remote.Create(ctx, item.EntityType, item.Data, item.Version)
	case types.MutationUpdate:
		ent, err = d.remote.Update(ctx, item.EntityType, item.EntityID, item.Data, item.Version)
	case types.MutationDelete:
		ent, err = d.remote.Delete(ctx, item.EntityType, item.EntityID, item.Version)
		if errors.Is(err, types.ErrNotFound) {
			return resultSynced, item.Version, d.queue.Remove(item.Seq)
		}
	}

	switch {
	case err == nil:
		if item.Type != types.MutationDelete {
			if perr := d.queue.PutEntity(item.EntityType, item.EntityID, ent.Data); perr != nil {
				return "", 0, perr
			}
		}
		return resultSynced, ent.Version, d.queue.Remove(item.Seq)
	case errors.Is(err, types.ErrVersionConflict):
		return d.settleConflict(ctx, item)
	}
	return d.recordFailure(item, err)
}

func (d *Driver) recordFailure(item types.SyncQueueItem, cause error) (string, int64, error) {
	item.RetryCount++
	item.LastError = cause.Error()
	result := resultRetried
	if item.RetryCount >= item.MaxRetries {
		item.Status = types.QueueFailed
		result = resultFailed
		d.logger.Warn("queued mutation failed",
			slog.String("entity_type", item.EntityType),
			slog.String("entity_id", item.EntityID),
			slog.Int("retries", item.RetryCount),
			slog.String("error", item.LastError),
		)
	}
	if err := d.queue.Put(item); err != nil {
		return "", 0, err
	}
	return result, 0, nil
}

// settleConflict compares the server copy with the queued data after a 409.
func (d *Driver) settleConflict(ctx context.Context, item types.SyncQueueItem) (string, int64, error) {
	current, err := d.remote.Get(ctx, item.EntityType, item.EntityID)
	if err != nil {
		return d.recordFailure(item, fmt.Errorf("fetching server copy: %w", err))
	}
	var server, client map[string]any
	if err := json.Unmarshal(current.Data, &server); err != nil {
		return d.recordFailure(item, fmt.Errorf("decoding server copy: %w", err))
	}
	if len(item.Data) > 0 {
		if err := json.Unmarshal(item.Data, &client); err != nil {
			return d.recordFailure(item, fmt.Errorf("decoding queued copy: %w", err))
		}
	} else {
		client = server
	}

	res := conflict.Resolve(item.EntityType, item.EntityID, server, client)
	records, err := res.Records(d.userID, server, d.now())
	if err != nil {
		return d.recordFailure(item, err)
	}

	if !res.RequiresUserInput {
		if err := d.queue.PutEntity(item.EntityType, item.EntityID, current.Data); err != nil {
			return "", 0, err
		}
		if err := d.queue.Remove(item.Seq); err != nil {
			return "", 0, err
		}
		if len(records) > 0 {
			if err := d.remote.ReportConflicts(ctx, records); err != nil {
				d.logger.Warn("reporting merged conflict",
					slog.String("entity_id", item.EntityID),
					slog.String("error", err.Error()),
				)
			}
		}
		d.logger.Debug("conflict resolved automatically",
			slog.String("entity_id", item.EntityID),
			slog.String("strategy", res.Strategy),
		)
		return resultResolved, current.Version, nil
	}

	item.Status = types.QueueConflict
	item.LastError = fmt.Sprintf("%d conflicting fields", len(res.Conflicts))
	if err := d.queue.Put(item); err != nil {
		return "", 0, err
	}
	if err := d.queue.PutConflicts(records); err != nil {
		return "", 0, err
	}
	if err := d.remote.ReportConflicts(ctx, records); err != nil {
		d.logger.Warn("reporting conflict",
			slog.String("entity_id", item.EntityID),
			slog.String("error", err.Error()),
		)
	}
	return resultConflict, 0, nil
}

// ResolveConflict submits a resolution for a stored conflict and refreshes
// the local copy with the server's result. When the entity has no other open
// conflicts, its queued conflicting mutations are dropped.
func (d *Driver) ResolveConflict(ctx context.Context, id, resolution string) (json.RawMessage, error) {
	if !types.ValidResolution(resolution) {
		return nil, types.ErrInvalidResolution
	}
	rec, err := d.queue.Conflict(id)
	if err != nil {
		return nil, err
	}

	entity, err := d.remote.ResolveConflict(ctx, id, resolution)
	if errors.Is(err, types.ErrNotFound) {
		// The server never received the report.
		if rerr := d.remote.ReportConflicts(ctx, []types.ConflictRecord{rec}); rerr != nil {
			return nil, fmt.Errorf("reporting conflict %s: %w", id, rerr)
		}
		entity, err = d.remote.ResolveConflict(ctx, id, resolution)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving conflict %s: %w", id, err)
	}

	if len(entity) > 0 {
		if err := d.queue.PutEntity(rec.EntityType, rec.EntityID, entity); err != nil {
			return nil, err
		}
	}
	if err := d.queue.DeleteConflict(id); err != nil {
		return nil, err
	}

	open, err := d.queue.Conflicts()
	if err != nil {
		return nil, err
	}
	for _, other := range open {
		if other.EntityType == rec.EntityType && other.EntityID == rec.EntityID {
			return entity, nil
		}
	}
	// The entity is settled: drop the conflicted items and rebase the ones
	// queued behind them onto the resolved version.
	var resolved struct {
		Version int64 `json:"version"`
	}
	if len(entity) > 0 {
		if err := json.Unmarshal(entity, &resolved); err != nil {
			return nil, fmt.Errorf("decoding resolved entity: %w", err)
		}
	}
	items, err := d.queue.Items(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.EntityType != rec.EntityType || item.EntityID != rec.EntityID {
			continue
		}
		switch {
		case item.Status == types.QueueConflict:
			if err := d.queue.Remove(item.Seq); err != nil {
				return nil, err
			}
		case item.Status == types.QueuePending && resolved.Version > 0:
			item.Version = resolved.Version
			if err := d.queue.Put(item); err != nil {
				return nil, err
			}
		}
	}
	return entity, nil
}

// Status counts queued items by state and open conflicts.
func (d *Driver) Status(ctx context.Context) (Status, error) {
	items, err := d.queue.Items(ctx)
	if err != nil {
		return Status{}, err
	}
	var st Status
	for _, item := range items {
		switch item.Status {
		case types.QueuePending:
			st.Pending++
		case types.QueueFailed:
			st.Failed++
		}
	}
	conflicts, err := d.queue.Conflicts()
	if err != nil {
		return Status{}, err
	}
	st.Conflicts = len(conflicts)
	return st, nil
}

// Watch runs Sync each time connectivity goes from offline to online. The
// device starts offline, so the first true value triggers a pass. Watch
// returns when ctx is done or connectivity is closed.
func (d *Driver) Watch(ctx context.Context, connectivity <-chan bool) error {
	online := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-connectivity:
			if !ok {
				return nil
			}
			if up && !online {
				if _, err := d.Sync(ctx); err != nil && !errors.Is(err, types.ErrSyncInProgress) {
					d.logger.Error("sync after reconnect", slog.String("error", err.Error()))
				}
			}
			online = up
		}
	}
}
