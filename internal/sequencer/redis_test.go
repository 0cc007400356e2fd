package sequencer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
)

func newRedisSequencer(t *testing.T, windowSize int) (*RedisSequencer, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisSequencer(rdb, windowSize, clockwork.NewRealClock()), rdb
}

func TestRedisSequencer_PublishAssignsSequence(t *testing.T) {
	seq, _ := newRedisSequencer(t, 500)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		event, err := seq.Publish(ctx, 1, domain.EventCardCreated, json.RawMessage(`{"card_id":7}`))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), event.Sequence)
		assert.Equal(t, int64(1), event.BoardID)
	}

	// Boards sequence independently.
	event, err := seq.Publish(ctx, 2, domain.EventColumnCreated, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), event.Sequence)
}

func TestRedisSequencer_EventsSinceRoundTrip(t *testing.T) {
	seq, _ := newRedisSequencer(t, 500)
	ctx := context.Background()

	payload := json.RawMessage(`{"card_id":7,"title":"fix login"}`)
	for i := 0; i < 5; i++ {
		_, err := seq.Publish(ctx, 1, domain.EventCardUpdated, payload)
		require.NoError(t, err)
	}

	events, err := seq.EventsSince(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, domain.EventCardUpdated, events[0].Type)
	assert.JSONEq(t, string(payload), string(events[0].Payload))

	events, err = seq.EventsSince(ctx, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRedisSequencer_PayloadStoredVerbatim(t *testing.T) {
	seq, _ := newRedisSequencer(t, 500)
	ctx := context.Background()

	// Empty arrays and integers above 2^53 survive only because the raw
	// payload string is spliced into the stored envelope, never re-encoded.
	payload := `{"card_id":9007199254740993,"tags":[],"meta":{"links":[]}}`
	event, err := seq.Publish(ctx, 1, domain.EventCardUpdated, json.RawMessage(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, string(event.Payload))

	events, err := seq.EventsSince(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, payload, string(events[0].Payload))
}

func TestRedisSequencer_PublishRejectsInvalidPayload(t *testing.T) {
	seq, _ := newRedisSequencer(t, 500)

	_, err := seq.Publish(context.Background(), 1, domain.EventCardUpdated, json.RawMessage(`{"broken`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSequencerUnavailable)
}

func TestRedisSequencer_WindowEviction(t *testing.T) {
	seq, _ := newRedisSequencer(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := seq.Publish(ctx, 1, domain.EventCardCreated, nil)
		require.NoError(t, err)
	}

	events, err := seq.EventsSince(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	_, err = seq.EventsSince(ctx, 1, 1)
	assert.ErrorIs(t, err, domain.ErrResyncRequired)

	_, err = seq.EventsSince(ctx, 1, 9)
	assert.ErrorIs(t, err, domain.ErrResyncRequired)
}

func TestRedisSequencer_UnknownBoard(t *testing.T) {
	seq, _ := newRedisSequencer(t, 500)
	ctx := context.Background()

	events, err := seq.EventsSince(ctx, 42, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = seq.EventsSince(ctx, 42, 1)
	assert.ErrorIs(t, err, domain.ErrResyncRequired)
}

func TestRedisSequencer_FeedDelivery(t *testing.T) {
	seq, rdb := newRedisSequencer(t, 500)

	var mu sync.Mutex
	var received []domain.Event
	seq.OnEvent(func(event domain.Event) {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seq.Start(ctx)

	// Give the subscriber a moment to attach before publishing.
	require.Eventually(t, func() bool {
		n, err := rdb.Publish(ctx, eventFeedChannel, `{"board_id":1,"sequence":1,"event_type":"card_created","payload":null,"committed_at":"2025-01-01T00:00:00Z"}`).Result()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint64(1), received[0].Sequence)
	assert.Equal(t, domain.EventCardCreated, received[0].Type)
}

func TestRedisSequencer_PublishUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	seq := NewRedisSequencer(rdb, 500, clockwork.NewRealClock())

	mr.Close()

	_, err := seq.Publish(context.Background(), 1, domain.EventCardCreated, nil)
	assert.ErrorIs(t, err, domain.ErrSequencerUnavailable)
}
