// ABOUTME: Durable outbound delivery queue with write-ahead persistence and retry sweep.
// ABOUTME: Owns the delivery item lifecycle from enqueue through sent or dead-letter.

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/store"
)

// SendFunc performs one delivery attempt. A nil return marks the item sent;
// any error schedules a retry or, once retries are exhausted, dead-letters
// the item.
type SendFunc func(ctx context.Context, item *store.DeliveryItem) error

// Config controls queue timing and limits.
type Config struct {
	// Backoff is the retry delay table. Attempt n waits Backoff[n-1];
	// attempts past the end reuse the last entry.
	Backoff []time.Duration

	// BatchSize caps how many due items one sweep cycle picks up.
	BatchSize int

	// SweepInterval is how often due retries are scanned.
	SweepInterval time.Duration

	// MaxRetries is the default retry budget for items that don't carry
	// their own.
	MaxRetries int

	// SentRetention is how long sent items stay before purge.
	SentRetention time.Duration

	// PurgeSchedule is a cron spec for the sent-item purge.
	PurgeSchedule string
}

// Queue is the delivery pipeline. Every item is persisted before its first
// attempt, so an accepted item survives a crash at any point.
type Queue struct {
	store  store.DeliveryStore
	send   SendFunc
	events *events.Broadcaster
	logger *slog.Logger

	cfg  Config
	cron *cron.Cron

	done   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue. Call Start to begin the retry sweep and purge
// schedule.
func NewQueue(deliveryStore store.DeliveryStore, send SendFunc, broadcaster *events.Broadcaster, cfg Config) *Queue {
	return &Queue{
		store:  deliveryStore,
		send:   send,
		events: broadcaster,
		logger: slog.Default().With("component", "delivery"),
		cfg:    cfg,
		cron:   cron.New(),
		done:   make(chan struct{}),
	}
}

// Enqueue persists a delivery item and performs the first attempt inline.
// The returned item reflects the post-attempt state. The write happens
// before the attempt: a crash between the two leaves a recoverable pending
// row, never a lost item.
func (q *Queue) Enqueue(ctx context.Context, item *store.DeliveryItem) (*store.DeliveryItem, error) {
	if item.Recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if item.Platform == "" {
		return nil, errors.New("platform is required")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.cfg.MaxRetries
	}
	item.Status = store.StatusPending

	if err := q.store.InsertDelivery(ctx, item); err != nil {
		return nil, fmt.Errorf("persisting delivery: %w", err)
	}

	q.attempt(ctx, item.ID)

	return q.store.GetDelivery(ctx, item.ID)
}

// attempt claims the item and runs one send. Losing the claim means another
// path already owns the item and is not an error.
func (q *Queue) attempt(ctx context.Context, id string) {
	item, err := q.store.ClaimSending(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotClaimable) {
			q.logger.Error("failed to claim delivery item", "id", id, "error", err)
		}
		return
	}

	sendErr := q.send(ctx, item)
	if sendErr == nil {
		now := time.Now()
		if err := q.store.MarkSent(ctx, id, now); err != nil {
			q.logger.Error("failed to mark item sent", "id", id, "error", err)
			return
		}
		q.logger.Info("delivery sent", "id", id, "platform", item.Platform, "attempts", item.RetryCount+1)
		q.events.Publish(events.DeliverySent, map[string]any{
			"id":       id,
			"platform": item.Platform,
			"agent_id": item.AgentID,
		})
		return
	}

	retryCount := item.RetryCount + 1
	if retryCount >= item.MaxRetries {
		now := time.Now()
		if err := q.store.MarkDead(ctx, id, retryCount, sendErr.Error(), now); err != nil {
			q.logger.Error("failed to dead-letter item", "id", id, "error", err)
			return
		}
		q.logger.Warn("delivery dead-lettered",
			"id", id,
			"platform", item.Platform,
			"attempts", retryCount,
			"error", sendErr,
		)
		q.events.Publish(events.DeliveryDeadLetter, map[string]any{
			"id":       id,
			"platform": item.Platform,
			"agent_id": item.AgentID,
			"error":    sendErr.Error(),
		})
		return
	}

	delay := q.backoffDelay(retryCount)
	nextRetry := time.Now().Add(delay)
	if err := q.store.MarkRetrying(ctx, id, retryCount, sendErr.Error(), nextRetry); err != nil {
		q.logger.Error("failed to schedule retry", "id", id, "error", err)
		return
	}
	q.logger.Debug("delivery attempt failed, retry scheduled",
		"id", id,
		"attempt", retryCount,
		"next_retry_in", delay,
		"error", sendErr,
	)
}

// backoffDelay returns the wait before the given attempt number, capped at
// the last table entry.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	if len(q.cfg.Backoff) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx >= len(q.cfg.Backoff) {
		idx = len(q.cfg.Backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return q.cfg.Backoff[idx]
}

// sweepOnce re-attempts due retries, oldest first. A failure on one item
// never blocks the rest of the batch.
func (q *Queue) sweepOnce(ctx context.Context, now time.Time) {
	items, err := q.store.DueRetries(ctx, now, q.cfg.BatchSize)
	if err != nil {
		q.logger.Error("failed to scan due retries", "error", err)
		return
	}

	for _, item := range items {
		select {
		case <-q.done:
			return
		default:
		}
		q.attempt(ctx, item.ID)
	}
}

// RecoverPending resets items stranded in pending or sending by a previous
// crash. Run once at startup, before Start.
func (q *Queue) RecoverPending(ctx context.Context) error {
	n, err := q.store.ResetInFlight(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("recovering in-flight items: %w", err)
	}
	if n > 0 {
		q.logger.Info("recovered in-flight delivery items", "count", n)
	}
	return nil
}

// Replay resets a dead-lettered item and attempts it immediately with a
// fresh retry budget.
func (q *Queue) Replay(ctx context.Context, id string) (*store.DeliveryItem, error) {
	if err := q.store.ResetForReplay(ctx, id, time.Now()); err != nil {
		return nil, err
	}
	q.attempt(ctx, id)
	return q.store.GetDelivery(ctx, id)
}

// Stats returns delivery counts per status, optionally scoped to an owner.
func (q *Queue) Stats(ctx context.Context, ownerID string) (*store.DeliveryStats, error) {
	return q.store.DeliveryStats(ctx, ownerID)
}

// DeadLetters returns dead items, newest first, optionally owner-scoped.
func (q *Queue) DeadLetters(ctx context.Context, ownerID string, limit int) ([]*store.DeliveryItem, error) {
	return q.store.DeadLetters(ctx, ownerID, limit)
}

// purgeOnce deletes sent items past retention. Dead items are never
// touched.
func (q *Queue) purgeOnce(ctx context.Context) {
	cutoff := time.Now().Add(-q.cfg.SentRetention)
	n, err := q.store.PurgeSent(ctx, cutoff)
	if err != nil {
		q.logger.Error("failed to purge sent items", "error", err)
		return
	}
	if n > 0 {
		q.logger.Info("purged sent delivery items", "count", n, "older_than", cutoff)
	}
}

// Start launches the retry sweep and the purge schedule.
func (q *Queue) Start() error {
	if q.cfg.PurgeSchedule != "" {
		if _, err := q.cron.AddFunc(q.cfg.PurgeSchedule, func() {
			q.purgeOnce(context.Background())
		}); err != nil {
			return fmt.Errorf("scheduling purge: %w", err)
		}
		q.cron.Start()
	}

	q.wg.Add(1)
	go q.runSweep()
	return nil
}

func (q *Queue) runSweep() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case now := <-ticker.C:
			q.sweepOnce(context.Background(), now)
		}
	}
}

// Close stops the sweep and purge schedule. In-flight attempts finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	ctx := q.cron.Stop()
	<-ctx.Done()
	q.wg.Wait()
}
