// ABOUTME: Tests for the delivery queue
// ABOUTME: Covers inline attempts, backoff retries, dead-lettering, recovery, replay and purge

package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/events"
	"github.com/2389/relay-gateway/internal/store"
)

type flakySender struct {
	mu       sync.Mutex
	failures int
	attempts int
	lastItem *store.DeliveryItem
}

func (f *flakySender) send(ctx context.Context, item *store.DeliveryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.lastItem = item
	if f.attempts <= f.failures {
		return errors.New("agent unreachable")
	}
	return nil
}

func (f *flakySender) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func testConfig() Config {
	return Config{
		Backoff:       []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond},
		BatchSize:     20,
		SweepInterval: time.Hour,
		MaxRetries:    5,
		SentRetention: 7 * 24 * time.Hour,
	}
}

func newTestQueue(t *testing.T, send SendFunc, cfg Config) (*Queue, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	broadcaster := events.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	q := NewQueue(s, send, broadcaster, cfg)
	t.Cleanup(q.Close)
	return q, s
}

func newItem() *store.DeliveryItem {
	return &store.DeliveryItem{
		AccountID: "acct-1",
		Recipient: "user@example.com",
		Platform:  "email",
		Content:   "hello",
		AgentID:   "agent-1",
		UserID:    "owner-1",
	}
}

func TestEnqueue_FirstAttemptSucceeds(t *testing.T) {
	sender := &flakySender{}
	q, _ := newTestQueue(t, sender.send, testConfig())

	item, err := q.Enqueue(context.Background(), newItem())
	require.NoError(t, err)

	assert.Equal(t, store.StatusSent, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	require.NotNil(t, item.SentAt)
	assert.Equal(t, 1, sender.attemptCount())
}

func TestEnqueue_FailedAttemptSchedulesRetry(t *testing.T) {
	sender := &flakySender{failures: 100}
	q, _ := newTestQueue(t, sender.send, testConfig())

	item, err := q.Enqueue(context.Background(), newItem())
	require.NoError(t, err)

	assert.Equal(t, store.StatusRetrying, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, "agent unreachable", item.LastError)
	require.NotNil(t, item.NextRetryAt)
}

func TestEnqueue_ValidatesInput(t *testing.T) {
	q, _ := newTestQueue(t, (&flakySender{}).send, testConfig())

	bad := newItem()
	bad.Recipient = ""
	_, err := q.Enqueue(context.Background(), bad)
	assert.Error(t, err)

	bad = newItem()
	bad.Platform = ""
	_, err = q.Enqueue(context.Background(), bad)
	assert.Error(t, err)
}

func TestSweep_RetriesUntilSuccess(t *testing.T) {
	sender := &flakySender{failures: 3}
	q, s := newTestQueue(t, sender.send, testConfig())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)

	// Three sweep cycles: two more failures, then success.
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		q.sweepOnce(ctx, time.Now())
	}

	got, err := s.GetDelivery(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, 4, sender.attemptCount())
}

func TestSweep_ExhaustionDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	sender := &flakySender{failures: 100}
	q, s := newTestQueue(t, sender.send, cfg)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	q.sweepOnce(ctx, time.Now())

	got, err := s.GetDelivery(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDead, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.DeadAt)

	// Dead items are out of the sweep for good.
	time.Sleep(2 * time.Millisecond)
	q.sweepOnce(ctx, time.Now())
	assert.Equal(t, 2, sender.attemptCount())
}

func TestSweep_HonorsBatchSizeOldestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	sender := &flakySender{failures: 1000}
	q, s := newTestQueue(t, sender.send, cfg)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	q.sweepOnce(ctx, time.Now())

	a, err := s.GetDelivery(ctx, first.ID)
	require.NoError(t, err)
	b, err := s.GetDelivery(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, a.RetryCount, "oldest due item picked first")
	assert.Equal(t, 1, b.RetryCount)
}

func TestRecoverPending(t *testing.T) {
	sender := &flakySender{}
	q, s := newTestQueue(t, sender.send, testConfig())
	ctx := context.Background()

	// Simulate rows stranded by a crash: inserted but never attempted,
	// and one stuck in sending.
	require.NoError(t, s.InsertDelivery(ctx, &store.DeliveryItem{
		ID: "stranded-pending", AccountID: "a", Recipient: "r", Platform: "email", Content: "x", MaxRetries: 5,
	}))
	require.NoError(t, s.InsertDelivery(ctx, &store.DeliveryItem{
		ID: "stranded-sending", AccountID: "a", Recipient: "r", Platform: "email", Content: "x", MaxRetries: 5,
	}))
	_, err := s.ClaimSending(ctx, "stranded-sending")
	require.NoError(t, err)

	require.NoError(t, q.RecoverPending(ctx))

	stats, err := s.DeliveryStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Sending)
	assert.Equal(t, 2, stats.Retrying)

	// Recovered items are immediately due.
	q.sweepOnce(ctx, time.Now())
	assert.Equal(t, 2, sender.attemptCount())
}

func TestReplay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	sender := &flakySender{failures: 1}
	q, s := newTestQueue(t, sender.send, cfg)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)
	require.Equal(t, store.StatusDead, item.Status)

	replayed, err := q.Replay(ctx, item.ID)
	require.NoError(t, err)

	assert.Equal(t, store.StatusSent, replayed.Status)
	assert.Equal(t, 0, replayed.RetryCount, "replay starts a fresh retry budget")

	got, err := s.GetDelivery(ctx, item.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeadAt)
}

func TestReplay_OnlyDeadItems(t *testing.T) {
	sender := &flakySender{}
	q, _ := newTestQueue(t, sender.send, testConfig())
	ctx := context.Background()

	item, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)
	require.Equal(t, store.StatusSent, item.Status)

	_, err = q.Replay(ctx, item.ID)
	assert.ErrorIs(t, err, store.ErrNotDead)

	_, err = q.Replay(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPurge_OnlyOldSentItems(t *testing.T) {
	sender := &flakySender{}
	q, s := newTestQueue(t, sender.send, testConfig())
	ctx := context.Background()

	// An item sent past retention, built through the store so its sent
	// time lands in the past.
	oldItem := newItem()
	oldItem.ID = "old-sent"
	require.NoError(t, s.InsertDelivery(ctx, oldItem))
	_, err := s.ClaimSending(ctx, oldItem.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, oldItem.ID, time.Now().Add(-8*24*time.Hour)))

	fresh, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)

	q.purgeOnce(ctx)

	_, err = s.GetDelivery(ctx, oldItem.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetDelivery(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestDeliveryEvents(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1

	broadcaster := events.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)
	ch, _ := broadcaster.Subscribe(context.Background())

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	calls := 0
	send := func(ctx context.Context, item *store.DeliveryItem) error {
		calls++
		if calls == 1 {
			return nil
		}
		return errors.New("boom")
	}
	q := NewQueue(s, send, broadcaster, cfg)
	t.Cleanup(q.Close)
	ctx := context.Background()

	sentItem, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)
	deadItem, err := q.Enqueue(ctx, newItem())
	require.NoError(t, err)

	want := map[string]string{
		events.DeliverySent:       sentItem.ID,
		events.DeliveryDeadLetter: deadItem.ID,
	}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			id, ok := want[ev.Name]
			require.True(t, ok, "unexpected event %q", ev.Name)
			assert.Equal(t, id, ev.Payload["id"])
			delete(want, ev.Name)
		case <-time.After(time.Second):
			t.Fatal("missing delivery event")
		}
	}
}
