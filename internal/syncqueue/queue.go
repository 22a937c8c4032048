package syncqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	apperrors "snapvault/internal/errors"
	"snapvault/internal/logging"
)

// State is the replay state of a queued item.
type State string

const (
	StateQueued   State = "queued"
	StateInFlight State = "in_flight"
	StateRetrying State = "retrying"
	StateDead     State = "dead"
)

// DefaultMaxRetries is how many failed attempts an item gets before it is
// parked as dead.
const DefaultMaxRetries = 5

const (
	prefixItem  = "item:"
	prefixIndex = "id:"
)

var (
	ErrQueueClosed       = errors.New("sync queue is closed")
	ErrItemNotFound      = errors.New("sync queue item not found")
	ErrEmptyAction       = errors.New("sync queue action type is required")
	ErrInvalidTransition = errors.New("invalid sync queue state transition")
)

// Item is one recorded action waiting to be replayed.
type Item struct {
	ID            string          `json:"id"`
	ActionType    string          `json:"action_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Retries       int             `json:"retries"`
	LastError     string          `json:"last_error,omitempty"`
	State         State           `json:"state"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
}

// Due reports whether the item can be attempted at now.
func (i *Item) Due(now time.Time) bool {
	switch i.State {
	case StateQueued:
		return true
	case StateRetrying:
		return !now.Before(i.NextAttemptAt)
	}
	return false
}

// UnmarshalPayload decodes the payload into v.
func (i *Item) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(i.Payload, v)
}

// Config configures a Queue.
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
}

// Stats counts items per state.
type Stats struct {
	Queued   int       `json:"queued"`
	InFlight int       `json:"in_flight"`
	Retrying int       `json:"retrying"`
	Dead     int       `json:"dead"`
	Oldest   time.Time `json:"oldest,omitempty"`
}

// Total returns the number of items held.
func (s Stats) Total() int {
	return s.Queued + s.InFlight + s.Retrying + s.Dead
}

// Queue is a durable FIFO of pending storage actions backed by BadgerDB.
// Item keys embed the creation time so iteration order is enqueue order.
type Queue struct {
	db      *badger.DB
	config  Config
	backoff apperrors.RetryPolicy
	logger  *logging.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool

	seqMu       sync.Mutex
	lastCreated time.Time
}

// Open opens or creates the queue. Items left in_flight by a crash are
// returned to queued.
func Open(cfg Config, logger *logging.Logger) (*Queue, error) {
	cfg.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("sync queue path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}

	q := &Queue{
		db:     db,
		config: cfg,
		backoff: apperrors.RetryPolicy{
			Attempts: cfg.MaxRetries,
			Initial:  cfg.BaseDelay,
			Max:      cfg.MaxDelay,
			Factor:   2.0,
		},
		logger: logger,
		now:    time.Now,
	}

	recovered, err := q.recoverInFlight()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.WithField("items", recovered).Warn("Returned interrupted sync queue items to queued")
	}
	logger.WithFields(map[string]interface{}{
		"path":        cfg.Path,
		"in_memory":   cfg.InMemory,
		"max_retries": cfg.MaxRetries,
	}).Debug("Sync queue opened")
	return q, nil
}

// MaxRetries returns the configured retry cap.
func (q *Queue) MaxRetries() int {
	return q.config.MaxRetries
}

// Enqueue appends an action and returns the stored item.
func (q *Queue) Enqueue(ctx context.Context, actionType string, payload []byte) (*Item, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	if actionType == "" {
		return nil, ErrEmptyAction
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("sync queue payload is not valid JSON")
	}

	item := &Item{
		ID:         uuid.New().String(),
		ActionType: actionType,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  q.nextCreatedAt(),
		State:      StateQueued,
	}
	err := q.db.Update(func(txn *badger.Txn) error {
		return putItem(txn, item)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue sync item: %w", err)
	}
	ItemsEnqueuedTotal.WithLabelValues(actionType).Inc()
	return item, nil
}

// EnqueueAction is Enqueue without the stored item.
func (q *Queue) EnqueueAction(ctx context.Context, actionType string, payload []byte) error {
	_, err := q.Enqueue(ctx, actionType, payload)
	return err
}

// Get returns the item with the given id.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	var item *Item
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		item, err = getItem(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// List returns every item in FIFO order.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	return q.scan(ctx, func(*Item) bool { return true })
}

// Pending returns items that may be attempted at now, in FIFO order.
func (q *Queue) Pending(ctx context.Context, now time.Time) ([]*Item, error) {
	return q.scan(ctx, func(i *Item) bool { return i.Due(now) })
}

// Dead returns items that exhausted their retries or failed permanently.
func (q *Queue) Dead(ctx context.Context) ([]*Item, error) {
	return q.scan(ctx, func(i *Item) bool { return i.State == StateDead })
}

// MarkInFlight moves a due item to in_flight.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (*Item, error) {
	return q.mutate(id, func(item *Item) error {
		if item.State != StateQueued && item.State != StateRetrying {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.State, StateInFlight)
		}
		item.State = StateInFlight
		return nil
	})
}

// Complete removes an item whose action succeeded.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	var action string
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		action = item.ActionType
		return deleteItem(txn, item)
	})
	if err != nil {
		return err
	}
	ItemsProcessedTotal.WithLabelValues(action, "done").Inc()
	return nil
}

// Fail records a failed attempt. Transient failures are retried with
// exponential backoff until the retry cap; anything else is parked as dead
// immediately.
func (q *Queue) Fail(ctx context.Context, id string, cause error, transient bool) (*Item, error) {
	now := q.now().UTC()
	item, err := q.mutate(id, func(item *Item) error {
		item.Retries++
		if cause != nil {
			item.LastError = logging.RedactSecrets(cause.Error())
		}
		if !transient || item.Retries >= q.config.MaxRetries {
			item.State = StateDead
			item.NextAttemptAt = time.Time{}
			return nil
		}
		item.State = StateRetrying
		item.NextAttemptAt = now.Add(q.backoff.Delay(item.Retries))
		return nil
	})
	if err != nil {
		return nil, err
	}
	outcome := "retrying"
	if item.State == StateDead {
		outcome = "dead"
		q.logger.WithFields(map[string]interface{}{
			"item_id": item.ID,
			"action":  item.ActionType,
			"retries": item.Retries,
			"error":   item.LastError,
		}).Error("Sync queue item parked as dead")
	}
	ItemsProcessedTotal.WithLabelValues(item.ActionType, outcome).Inc()
	return item, nil
}

// Retry puts a dead item back in the queue with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) (*Item, error) {
	return q.mutate(id, func(item *Item) error {
		if item.State != StateDead {
			return fmt.Errorf("%w: only dead items can be retried, item is %s", ErrInvalidTransition, item.State)
		}
		item.State = StateQueued
		item.Retries = 0
		item.NextAttemptAt = time.Time{}
		return nil
	})
}

// Discard removes an item regardless of its state.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if err := q.checkOpen(); err != nil {
		return err
	}
	var action string
	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := getItem(txn, id)
		if err != nil {
			return err
		}
		action = item.ActionType
		return deleteItem(txn, item)
	})
	if err != nil {
		return err
	}
	ItemsProcessedTotal.WithLabelValues(action, "discarded").Inc()
	q.logger.WithFields(map[string]interface{}{
		"item_id": id,
		"action":  action,
	}).Warn("Sync queue item discarded")
	return nil
}

// Stats counts items per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	items, err := q.List(ctx)
	if err != nil {
		return stats, err
	}
	for _, item := range items {
		switch item.State {
		case StateQueued:
			stats.Queued++
		case StateInFlight:
			stats.InFlight++
		case StateRetrying:
			stats.Retrying++
		case StateDead:
			stats.Dead++
		}
	}
	if len(items) > 0 {
		stats.Oldest = items[0].CreatedAt
	}
	QueueItems.WithLabelValues(string(StateQueued)).Set(float64(stats.Queued))
	QueueItems.WithLabelValues(string(StateInFlight)).Set(float64(stats.InFlight))
	QueueItems.WithLabelValues(string(StateRetrying)).Set(float64(stats.Retrying))
	QueueItems.WithLabelValues(string(StateDead)).Set(float64(stats.Dead))
	return stats, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// nextCreatedAt returns a strictly increasing timestamp so that two items
// enqueued within the clock's resolution keep their order.
func (q *Queue) nextCreatedAt() time.Time {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()
	now := q.now().UTC()
	if !now.After(q.lastCreated) {
		now = q.lastCreated.Add(time.Nanosecond)
	}
	q.lastCreated = now
	return now
}

func (q *Queue) checkOpen() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

func (q *Queue) scan(ctx context.Context, keep func(*Item) bool) ([]*Item, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	var items []*Item
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixItem)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var item Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				q.logger.WithFields(map[string]interface{}{
					"key":   string(it.Item().Key()),
					"error": err.Error(),
				}).Warn("Skipping unreadable sync queue item")
				continue
			}
			if keep(&item) {
				items = append(items, &item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate sync queue: %w", err)
	}
	return items, nil
}

func (q *Queue) mutate(id string, fn func(*Item) error) (*Item, error) {
	if err := q.checkOpen(); err != nil {
		return nil, err
	}
	var item *Item
	err := q.db.Update(func(txn *badger.Txn) error {
		var err error
		item, err = getItem(txn, id)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
		return putItem(txn, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (q *Queue) recoverInFlight() (int, error) {
	recovered := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)

		var stuck []*Item
		prefix := []byte(prefixItem)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				continue
			}
			if item.State == StateInFlight {
				stuck = append(stuck, &item)
			}
		}
		it.Close()

		for _, item := range stuck {
			item.State = StateQueued
			if err := putItem(txn, item); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover in-flight sync items: %w", err)
	}
	return recovered, nil
}

// itemKey orders items by creation time, then id.
func itemKey(item *Item) []byte {
	key := make([]byte, 0, len(prefixItem)+8+len(item.ID))
	key = append(key, prefixItem...)
	key = binary.BigEndian.AppendUint64(key, uint64(item.CreatedAt.UnixNano()))
	return append(key, item.ID...)
}

func putItem(txn *badger.Txn, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal sync item: %w", err)
	}
	key := itemKey(item)
	if err := txn.Set(key, data); err != nil {
		return err
	}
	return txn.Set([]byte(prefixIndex+item.ID), key)
}

func getItem(txn *badger.Txn, id string) (*Item, error) {
	if id == "" {
		return nil, ErrItemNotFound
	}
	idx, err := txn.Get([]byte(prefixIndex + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	key, err := idx.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	entry, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	var item Item
	if err := entry.Value(func(val []byte) error {
		return json.Unmarshal(val, &item)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal sync item: %w", err)
	}
	return &item, nil
}

func deleteItem(txn *badger.Txn, item *Item) error {
	if err := txn.Delete(itemKey(item)); err != nil {
		return err
	}
	return txn.Delete([]byte(prefixIndex + item.ID))
}
