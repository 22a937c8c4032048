package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "snapvault/internal/errors"
	"snapvault/internal/logging"
)

// ErrProbeFailed is returned by RunOnce when connectivity could not be
// confirmed. No item is touched in that case.
var ErrProbeFailed = errors.New("connectivity probe failed")

// Handler performs the storage action an item records.
type Handler interface {
	// GroupKey names the object an item acts on. Items sharing a key are
	// replayed strictly in order.
	GroupKey(item *Item) string
	Handle(ctx context.Context, item *Item) error
}

// ReplayerConfig configures a Replayer.
type ReplayerConfig struct {
	Workers      int
	ProbeTimeout time.Duration
	// Transient classifies handler errors. Defaults to
	// apperrors.IsRetryable.
	Transient func(error) bool
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Dead      int           `json:"dead"`
	Blocked   int           `json:"blocked"`
	Duration  time.Duration `json:"duration"`
}

// Replayer drains the queue through a Handler once a probe confirms the
// remote side is reachable.
type Replayer struct {
	queue   *Queue
	handler Handler
	probe   Probe
	config  ReplayerConfig
	logger  *logging.Logger
	now     func() time.Time

	running sync.Mutex
}

// NewReplayer creates a replayer. A nil probe always passes.
func NewReplayer(queue *Queue, handler Handler, probe Probe, config ReplayerConfig, logger *logging.Logger) *Replayer {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 10 * time.Second
	}
	if config.Transient == nil {
		config.Transient = apperrors.IsRetryable
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Replayer{
		queue:   queue,
		handler: handler,
		probe:   probe,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// RunOnce probes connectivity and replays every due item. Items are grouped
// by the object they act on; groups run concurrently up to Workers, and a
// group stops at its first item that cannot run or fails, so a later action
// never overtakes an earlier one on the same object.
//
// Order is kept per group key only. Items of different groups may complete
// in any order relative to their created_at.
func (r *Replayer) RunOnce(ctx context.Context) (*ReplayResult, error) {
	r.running.Lock()
	defer r.running.Unlock()

	start := time.Now()
	result := &ReplayResult{}

	if r.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
		err := r.probe.Check(probeCtx)
		cancel()
		if err != nil {
			ProbeFailuresTotal.Inc()
			r.logger.WithField("error", err.Error()).Debug("Skipping sync replay, remote not reachable")
			return result, fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
	}

	items, err := r.queue.List(ctx)
	if err != nil {
		return result, err
	}
	groups := r.group(items)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.config.Workers)
	now := r.now()

	for _, group := range groups {
		g.Go(func() error {
			processed, failed, dead, blocked := r.replayGroup(ctx, group, now)
			mu.Lock()
			result.Processed += processed
			result.Failed += failed
			result.Dead += dead
			result.Blocked += blocked
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	ReplayDuration.Observe(result.Duration.Seconds())
	if result.Processed > 0 || result.Failed > 0 || result.Dead > 0 {
		r.logger.LogSyncReplay(result.Processed, result.Failed, result.Dead, result.Duration)
	}
	if _, err := r.queue.Stats(ctx); err != nil {
		r.logger.WithField("error", err.Error()).Debug("Failed to refresh sync queue gauges")
	}
	return result, ctx.Err()
}

// group buckets items by GroupKey, keeping FIFO order inside each bucket
// and ordering buckets by their oldest item.
func (r *Replayer) group(items []*Item) [][]*Item {
	var (
		order []string
		byKey = make(map[string][]*Item)
	)
	for _, item := range items {
		key := r.handler.GroupKey(item)
		if key == "" {
			key = "item:" + item.ID
		}
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], item)
	}
	groups := make([][]*Item, 0, len(order))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}
	return groups
}

func (r *Replayer) replayGroup(ctx context.Context, group []*Item, now time.Time) (processed, failed, dead, blocked int) {
	for i, item := range group {
		if ctx.Err() != nil {
			return
		}
		if !item.Due(now) {
			// A dead or backing-off item holds back everything after it.
			blocked = len(group) - i
			return
		}

		inFlight, err := r.queue.MarkInFlight(ctx, item.ID)
		if err != nil {
			r.logger.WithFields(map[string]interface{}{
				"item_id": item.ID,
				"error":   err.Error(),
			}).Warn("Failed to claim sync queue item")
			blocked = len(group) - i
			return
		}

		herr := r.handler.Handle(ctx, inFlight)
		if herr == nil {
			if err := r.queue.Complete(ctx, item.ID); err != nil {
				r.logger.WithFields(map[string]interface{}{
					"item_id": item.ID,
					"error":   err.Error(),
				}).Error("Failed to remove replayed sync queue item")
				blocked = len(group) - i - 1
				return
			}
			processed++
			continue
		}

		updated, err := r.queue.Fail(ctx, item.ID, herr, r.config.Transient(herr))
		if err != nil {
			r.logger.WithFields(map[string]interface{}{
				"item_id": item.ID,
				"error":   err.Error(),
			}).Error("Failed to record sync queue failure")
		}
		if updated != nil && updated.State == StateDead {
			dead++
		} else {
			failed++
		}
		r.logger.WithFields(map[string]interface{}{
			"item_id": item.ID,
			"action":  item.ActionType,
			"error":   logging.RedactSecrets(herr.Error()),
		}).Warn("Sync queue item failed")
		blocked = len(group) - i - 1
		return
	}
	return
}

// Run replays immediately and then every interval until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("replay interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrProbeFailed) && ctx.Err() == nil {
			r.logger.WithField("error", err.Error()).Error("Sync replay failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info("Sync replayer stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
