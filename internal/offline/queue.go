// Package offline captures ledger mutations on a device while it has no
// connectivity and replays them against the server when it comes back.
//
// The queue lives in a goleveldb database with three key spaces:
//
//	q/<seq>              queued mutations in enqueue order
//	e/<type>/<id>        local optimistic copies of entities
//	c/<id>               conflicts waiting for a user decision
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Key prefixes.
var (
	queuePrefix    = []byte("q/")
	entityPrefix   = []byte("e/")
	conflictPrefix = []byte("c/")
)

const seqWidth = 20

// Queue is the persistent device-side mutation queue.
type Queue struct {
	db         *leveldb.DB
	mu         sync.Mutex
	seq        uint64
	maxRetries int
	now        func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueMaxRetries sets the replay ceiling stamped on new items.
func WithQueueMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithQueueClock replaces time.Now.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// OpenQueue opens or creates the queue database at path.
func OpenQueue(path string, opts ...QueueOption) (*Queue, error) {
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: false,
	})
	if err != nil {
		return nil, fmt.Errorf("opening queue %s: %w", path, err)
	}
	return newQueue(db, opts...)
}

// OpenMemQueue opens a queue held in memory.
func OpenMemQueue(opts ...QueueOption) (*Queue, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("opening memory queue: %w", err)
	}
	return newQueue(db, opts...)
}

func newQueue(db *leveldb.DB, opts ...QueueOption) (*Queue, error) {
	q := &Queue{
		db:         db,
		maxRetries: types.DefaultQueueMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	iter := db.NewIterator(util.BytesPrefix(queuePrefix), nil)
	if iter.Last() {
		seq, err := strconv.ParseUint(string(iter.Key()[len(queuePrefix):]), 10, 64)
		if err != nil {
			iter.Release()
			db.Close()
			return nil, fmt.Errorf("reading queue sequence: %w", err)
		}
		q.seq = seq
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading queue sequence: %w", err)
	}
	return q, nil
}

// Close releases the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func itemKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%0*d", queuePrefix, seqWidth, seq))
}

func entityKey(entityType, entityID string) []byte {
	return []byte(string(entityPrefix) + entityType + "/" + entityID)
}

func conflictKey(id string) []byte {
	return append(append([]byte{}, conflictPrefix...), id...)
}

// Enqueue records a mutation and updates the local optimistic copy. A create
// without an entity id gets a fresh UUID v7, written into the data as "id".
// A delete keeps the local copy it replaces as its data so a conflicting
// server edit can be compared against it.
func (q *Queue) Enqueue(ctx context.Context, mutation, entityType, entityID string, data json.RawMessage, version int64) (types.SyncQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return types.SyncQueueItem{}, err
	}
	if _, err := collection(entityType); err != nil {
		return types.SyncQueueItem{}, fmt.Errorf("%s: %w", entityType, err)
	}

	if mutation == types.MutationCreate && entityID == "" && len(data) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return types.SyncQueueItem{}, fmt.Errorf("%w: %v", types.ErrInvalidData, err)
		}
		id, _ := fields["id"].(string)
		if id == "" {
			u, err := uuid.NewV7()
			if err != nil {
				return types.SyncQueueItem{}, fmt.Errorf("generating entity id: %w", err)
			}
			id = u.String()
			fields["id"] = id
			if data, err = json.Marshal(fields); err != nil {
				return types.SyncQueueItem{}, fmt.Errorf("encoding entity: %w", err)
			}
		}
		entityID = id
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if mutation == types.MutationDelete && len(data) == 0 && entityID != "" {
		local, err := q.db.Get(entityKey(entityType, entityID), nil)
		if err != nil && err != leveldb.ErrNotFound {
			return types.SyncQueueItem{}, fmt.Errorf("reading local copy: %w", err)
		}
		data = local
	}

	id, err := uuid.NewV7()
	if err != nil {
		return types.SyncQueueItem{}, fmt.Errorf("generating item id: %w", err)
	}
	item := types.SyncQueueItem{
		ID:         id.String(),
		Seq:        q.seq + 1,
		Type:       mutation,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		Version:    version,
		MaxRetries: q.maxRetries,
		Status:     types.QueuePending,
		CreatedAt:  q.now().UTC(),
	}
	if err := item.Validate(); err != nil {
		return types.SyncQueueItem{}, err
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return types.SyncQueueItem{}, fmt.Errorf("encoding item: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(itemKey(item.Seq), raw)
	switch mutation {
	case types.MutationDelete:
		batch.Delete(entityKey(entityType, entityID))
	default:
		batch.Put(entityKey(entityType, entityID), data)
	}
	if err := q.db.Write(batch, nil); err != nil {
		return types.SyncQueueItem{}, fmt.Errorf("writing item: %w", err)
	}
	q.seq = item.Seq
	return item, nil
}

// Items returns every queued item in enqueue order.
func (q *Queue) Items(ctx context.Context) ([]types.SyncQueueItem, error) {
	return q.scan(ctx, func(types.SyncQueueItem) bool { return true })
}

// Pending returns the items waiting for replay in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]types.SyncQueueItem, error) {
	return q.scan(ctx, func(i types.SyncQueueItem) bool { return i.Status == types.QueuePending })
}

// Failed returns the items that ran out of retries.
func (q *Queue) Failed(ctx context.Context) ([]types.SyncQueueItem, error) {
	return q.scan(ctx, func(i types.SyncQueueItem) bool { return i.Status == types.QueueFailed })
}

func (q *Queue) scan(ctx context.Context, keep func(types.SyncQueueItem) bool) ([]types.SyncQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := q.db.NewIterator(util.BytesPrefix(queuePrefix), nil)
	defer iter.Release()

	var items []types.SyncQueueItem
	for iter.Next() {
		var item types.SyncQueueItem
		if err := json.Unmarshal(iter.Value(), &item); err != nil {
			return nil, fmt.Errorf("decoding item %s: %w", iter.Key(), err)
		}
		if keep(item) {
			items = append(items, item)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scanning queue: %w", err)
	}
	return items, nil
}

// Put overwrites a queued item.
func (q *Queue) Put(item types.SyncQueueItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item: %w", err)
	}
	if err := q.db.Put(itemKey(item.Seq), raw, nil); err != nil {
		return fmt.Errorf("writing item %d: %w", item.Seq, err)
	}
	return nil
}

// Remove drops a queued item.
func (q *Queue) Remove(seq uint64) error {
	if err := q.db.Delete(itemKey(seq), nil); err != nil {
		return fmt.Errorf("removing item %d: %w", seq, err)
	}
	return nil
}

// Retry returns a failed item to pending with its retry count reset.
func (q *Queue) Retry(ctx context.Context, id string) error {
	items, err := q.Items(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID != id {
			continue
		}
		if item.Status != types.QueueFailed {
			return types.ErrNotTerminal
		}
		item.Status = types.QueuePending
		item.RetryCount = 0
		item.LastError = ""
		return q.Put(item)
	}
	return types.ErrNotFound
}

// Discard drops a failed item without replaying it. The local copy keeps
// the optimistic edit until the entity is next fetched or replaced.
func (q *Queue) Discard(ctx context.Context, id string) error {
	items, err := q.Items(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID != id {
			continue
		}
		if item.Status != types.QueueFailed {
			return types.ErrNotTerminal
		}
		return q.Remove(item.Seq)
	}
	return types.ErrNotFound
}

// Entity returns the local copy of an entity.
func (q *Queue) Entity(entityType, entityID string) (json.RawMessage, error) {
	raw, err := q.db.Get(entityKey(entityType, entityID), nil)
	if err == leveldb.ErrNotFound {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading local copy: %w", err)
	}
	return raw, nil
}

// PutEntity replaces the local copy of an entity.
func (q *Queue) PutEntity(entityType, entityID string, data json.RawMessage) error {
	if err := q.db.Put(entityKey(entityType, entityID), data, nil); err != nil {
		return fmt.Errorf("writing local copy: %w", err)
	}
	return nil
}

// PutConflicts stores conflicts that need a user decision.
func (q *Queue) PutConflicts(records []types.ConflictRecord) error {
	batch := new(leveldb.Batch)
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding conflict %s: %w", rec.ID, err)
		}
		batch.Put(conflictKey(rec.ID), raw)
	}
	if err := q.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing conflicts: %w", err)
	}
	return nil
}

// Conflict returns one stored conflict.
func (q *Queue) Conflict(id string) (types.ConflictRecord, error) {
	raw, err := q.db.Get(conflictKey(id), nil)
	if err == leveldb.ErrNotFound {
		return types.ConflictRecord{}, types.ErrNotFound
	}
	if err != nil {
		return types.ConflictRecord{}, fmt.Errorf("reading conflict %s: %w", id, err)
	}
	var rec types.ConflictRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.ConflictRecord{}, fmt.Errorf("decoding conflict %s: %w", id, err)
	}
	return rec, nil
}

// Conflicts returns every stored conflict.
func (q *Queue) Conflicts() ([]types.ConflictRecord, error) {
	iter := q.db.NewIterator(util.BytesPrefix(conflictPrefix), nil)
	defer iter.Release()

	var records []types.ConflictRecord
	for iter.Next() {
		var rec types.ConflictRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decoding conflict %s: %w", iter.Key(), err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scanning conflicts: %w", err)
	}
	return records, nil
}

// DeleteConflict drops a stored conflict.
func (q *Queue) DeleteConflict(id string) error {
	if err := q.db.Delete(conflictKey(id), nil); err != nil {
		return fmt.Errorf("removing conflict %s: %w", id, err)
	}
	return nil
}
