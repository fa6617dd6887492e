// Package outbox delivers committed writes to the secondary store at least
// once.
//
// Items are claimed oldest first, marked processing, and handed to the
// mirror. A failed delivery is retried with exponential backoff until the
// item exceeds its retry ceiling, after which it stays failed until an
// operator requeues it.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mesh-intelligence/splitsync/internal/mirror"
	"github.com/mesh-intelligence/splitsync/pkg/types"
)

var tracer = otel.Tracer("splitsync.outbox")

// Backoff bounds.
const (
	BaseDelay   = 5 * time.Second
	MaxDelay    = 5 * time.Minute
	maxExponent = 16
)

// DefaultStaleClaim is how long a processing claim is honored before a
// later flush may take the item over.
const DefaultStaleClaim = time.Minute

// Store is the durable outbox table.
type Store interface {
	InsertOutbox(ctx context.Context, item types.OutboxItem) (bool, error)
	ClaimOutbox(ctx context.Context, limit int, now, staleBefore time.Time) ([]types.OutboxItem, error)
	MarkOutboxDone(ctx context.Context, key string, now time.Time) error
	MarkOutboxRetry(ctx context.Context, key string, retries int, status string, nextRetryAt time.Time, lastError string, now time.Time) error
	RequeueOutbox(ctx context.Context, key string, now time.Time) error
	PruneOutbox(ctx context.Context, olderThan time.Time) (int64, error)
	CountOutbox(ctx context.Context) (map[string]int, error)
}

// FlushResult counts what one Flush did.
type FlushResult struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Outbox drains the store into the mirror.
type Outbox struct {
	store      Store
	mirror     mirror.Mirror
	logger     *slog.Logger
	now        func() time.Time
	maxRetries int
	staleClaim time.Duration
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Outbox) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// WithMaxRetries sets the ceiling for items enqueued through this Outbox.
func WithMaxRetries(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithStaleClaim sets how long a processing claim is honored.
func WithStaleClaim(d time.Duration) Option {
	return func(o *Outbox) {
		if d > 0 {
			o.staleClaim = d
		}
	}
}

// New creates an Outbox over store delivering to m.
func New(store Store, m mirror.Mirror, opts ...Option) *Outbox {
	o := &Outbox{
		store:      store,
		mirror:     m,
		logger:     slog.Default(),
		now:        time.Now,
		maxRetries: types.DefaultOutboxMaxRetries,
		staleClaim: DefaultStaleClaim,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "outbox"))
	return o
}

// Backoff returns the delay before the given retry: 5s doubling per retry,
// capped at 5 minutes.
func Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	exp := retries - 1
	if exp > maxExponent {
		exp = maxExponent
	}
	d := BaseDelay * time.Duration(1<<exp)
	if d > MaxDelay || d <= 0 {
		return MaxDelay
	}
	return d
}

// Enqueue records a write with an idempotency key derived from its content.
// Enqueuing the same write again is a no-op. It reports whether a new item
// was stored.
func (o *Outbox) Enqueue(ctx context.Context, op, table, recordID string, payload []byte) (types.OutboxItem, bool, error) {
	item, err := types.NewOutboxItem(op, table, recordID, payload, o.now())
	if err != nil {
		return types.OutboxItem{}, false, err
	}
	item.MaxRetries = o.maxRetries
	inserted, err := o.EnqueueItem(ctx, item)
	return item, inserted, err
}

// EnqueueItem stores item under its own idempotency key.
func (o *Outbox) EnqueueItem(ctx context.Context, item types.OutboxItem) (bool, error) {
	if item.IdempotencyKey == "" {
		return false, types.ErrInvalidID
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = o.maxRetries
	}
	if item.Status == "" {
		item.Status = types.OutboxPending
	}
	now := o.now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = now
	}
	inserted, err := o.store.InsertOutbox(ctx, item)
	if err != nil {
		return false, fmt.Errorf("enqueueing %s: %w", item.IdempotencyKey, err)
	}
	return inserted, nil
}

// Flush delivers up to limit due items. Delivery failures are recorded on
// the items; only store errors are returned.
func (o *Outbox) Flush(ctx context.Context, limit int) (FlushResult, error) {
	ctx, span := tracer.Start(ctx, "outbox.Flush")
	defer span.End()

	var res FlushResult
	now := o.now().UTC()
	items, err := o.store.ClaimOutbox(ctx, limit, now, now.Add(-o.staleClaim))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("claiming outbox items: %w", err)
	}
	res.Claimed = len(items)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			return res, err
		}
		outcome, err := o.deliver(ctx, item)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		switch outcome {
		case types.OutboxDone:
			res.Delivered++
		case types.OutboxPending:
			res.Retried++
		case types.OutboxFailed:
			res.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.claimed", res.Claimed),
		attribute.Int("outbox.delivered", res.Delivered),
		attribute.Int("outbox.retried", res.Retried),
		attribute.Int("outbox.failed", res.Failed),
	)
	return res, nil
}

// deliver sends one item and records the outcome. It returns the item's new
// status.
func (o *Outbox) deliver(ctx context.Context, item types.OutboxItem) (string, error) {
	var err error
	switch item.Operation {
	case types.OutboxUpsert:
		err = o.mirror.Upsert(ctx, item.Table, item.RecordID, item.Payload)
	case types.OutboxDelete:
		err = o.mirror.Delete(ctx, item.Table, item.RecordID)
	default:
		err = fmt.Errorf("%w: %q", types.ErrInvalidOperation, item.Operation)
	}

	now := o.now().UTC()
	if err == nil {
		if err := o.store.MarkOutboxDone(ctx, item.IdempotencyKey, now); err != nil {
			return "", fmt.Errorf("marking %s done: %w", item.IdempotencyKey, err)
		}
		deliveries.WithLabelValues("delivered").Inc()
		return types.OutboxDone, nil
	}

	retries := item.Retries + 1
	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.maxRetries
	}
	status := types.OutboxPending
	next := now.Add(Backoff(retries))
	if retries > maxRetries {
		status = types.OutboxFailed
		next = now
	}
	if serr := o.store.MarkOutboxRetry(ctx, item.IdempotencyKey, retries, status, next, err.Error(), now); serr != nil {
		return "", fmt.Errorf("recording failure of %s: %w", item.IdempotencyKey, serr)
	}

	attrs := []any{
		slog.String("key", item.IdempotencyKey),
		slog.String("table", item.Table),
		slog.String("record_id", item.RecordID),
		slog.Int("retries", retries),
		slog.String("error", err.Error()),
	}
	if status == types.OutboxFailed {
		deliveries.WithLabelValues("failed").Inc()
		o.logger.Error("outbox item exhausted retries", attrs...)
		return status, nil
	}
	deliveries.WithLabelValues("retried").Inc()
	o.logger.Warn("outbox delivery failed, will retry", append(attrs, slog.Time("next_retry_at", next))...)
	return status, nil
}

// Run flushes every interval until ctx is done.
func (o *Outbox) Run(ctx context.Context, interval time.Duration, limit int) error {
	if interval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("outbox worker started", slog.Duration("interval", interval), slog.Int("batch", limit))
	for {
		res, err := o.Flush(ctx, limit)
		if err != nil && ctx.Err() == nil {
			o.logger.Error("outbox flush failed", slog.String("error", err.Error()))
		} else if res.Claimed > 0 {
			o.logger.Debug("outbox flushed",
				slog.Int("delivered", res.Delivered),
				slog.Int("retried", res.Retried),
				slog.Int("failed", res.Failed),
			)
		}

		select {
		case <-ctx.Done():
			o.logger.Info("outbox worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Requeue resets a terminally failed item so the next flush retries it.
func (o *Outbox) Requeue(ctx context.Context, key string) error {
	if err := o.store.RequeueOutbox(ctx, key, o.now().UTC()); err != nil {
		return fmt.Errorf("requeueing %s: %w", key, err)
	}
	o.logger.Info("outbox item requeued", slog.String("key", key))
	return nil
}

// Prune deletes delivered items older than the retention window.
func (o *Outbox) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := o.store.PruneOutbox(ctx, o.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("outbox pruned", slog.Int64("removed", n))
	}
	return n, nil
}

// Stats returns the number of items per status.
func (o *Outbox) Stats(ctx context.Context) (map[string]int, error) {
	return o.store.CountOutbox(ctx)
}
