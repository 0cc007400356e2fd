package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	"github.com/NoooNlIoN/kanban-backend/internal/metrics"
)

const eventFeedChannel = "board:events"

func seqKey(boardID int64) string {
	return fmt.Sprintf("board:%d:seq", boardID)
}

func windowKey(boardID int64) string {
	return fmt.Sprintf("board:%d:events", boardID)
}

// publishEventScript atomically assigns the next sequence number, appends the
// event to the board's bounded replay list, and publishes it on the event
// feed. Script atomicity guarantees that feed order matches sequence order.
// The payload string is spliced into the envelope verbatim: cjson round-trips
// would turn empty arrays into objects and mangle integers above 2^53.
// KEYS: [1]=seq counter, [2]=replay list, [3]=feed channel
// ARGV: [1]=board_id, [2]=event_type, [3]=payload json, [4]=committed_at, [5]=window size
var publishEventScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local evt = '{"board_id":' .. ARGV[1] ..
	',"sequence":' .. seq ..
	',"event_type":' .. cjson.encode(ARGV[2]) ..
	',"payload":' .. ARGV[3] ..
	',"committed_at":' .. cjson.encode(ARGV[4]) .. '}'
redis.call('RPUSH', KEYS[2], evt)
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[5]), -1)
redis.call('PUBLISH', KEYS[3], evt)
return seq
`)

// RedisSequencer keeps sequence counters and replay windows in Redis so that
// every service instance observes the same commit order. Events reach the
// local handler through the Redis event feed, including events published by
// this instance.
type RedisSequencer struct {
	rdb        *goredis.Client
	windowSize int
	clock      clockwork.Clock

	handlerMu sync.RWMutex
	handler   Handler

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRedisSequencer creates a sequencer backed by the given Redis client.
func NewRedisSequencer(rdb *goredis.Client, windowSize int, clock clockwork.Clock) *RedisSequencer {
	return &RedisSequencer{
		rdb:        rdb,
		windowSize: windowSize,
		clock:      clock,
		stopped:    make(chan struct{}),
	}
}

// OnEvent registers the handler that receives every sequenced event.
// Must be called before Start.
func (s *RedisSequencer) OnEvent(handler Handler) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

// Start subscribes to the event feed and forwards events to the handler
// until ctx is cancelled or Stop is called. Blocks; run it in a goroutine.
func (s *RedisSequencer) Start(ctx context.Context) {
	sub := s.rdb.Subscribe(ctx, eventFeedChannel)
	defer func() {
		_ = sub.Close()
	}()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleFeedMessage(msg.Payload)
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		}
	}
}

// Stop terminates the feed listener.
func (s *RedisSequencer) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *RedisSequencer) handleFeedMessage(payload string) {
	metrics.PubSubMessagesReceived.WithLabelValues(eventFeedChannel).Inc()

	var event domain.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		slog.Warn("Invalid event on feed channel", "error", err)
		return
	}

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(event)
	}
}

// Publish sequences one committed mutation. Failures are reported as
// domain.ErrSequencerUnavailable: no event is emitted and the persistence
// service is expected to retry.
func (s *RedisSequencer) Publish(ctx context.Context, boardID int64, eventType domain.EventType, payload json.RawMessage) (domain.Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	// The script splices the payload into the stored envelope unmodified.
	if !json.Valid(payload) {
		return domain.Event{}, fmt.Errorf("payload is not valid JSON")
	}
	committedAt := s.clock.Now().UTC()

	keys := []string{seqKey(boardID), windowKey(boardID), eventFeedChannel}
	result, err := publishEventScript.Run(ctx, s.rdb, keys,
		strconv.FormatInt(boardID, 10),
		string(eventType),
		string(payload),
		committedAt.Format(time.RFC3339Nano),
		strconv.Itoa(s.windowSize),
	).Int64()
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %w", domain.ErrSequencerUnavailable, err)
	}

	metrics.EventsPublished.WithLabelValues(string(eventType)).Inc()

	return domain.Event{
		BoardID:     boardID,
		Sequence:    uint64(result),
		Type:        eventType,
		Payload:     payload,
		CommittedAt: committedAt,
	}, nil
}

// EventsSince returns the retained events with sequence > fromSeq, oldest
// first, or domain.ErrResyncRequired when fromSeq is outside the window.
func (s *RedisSequencer) EventsSince(ctx context.Context, boardID int64, fromSeq uint64) ([]domain.Event, error) {
	raw, err := s.rdb.LRange(ctx, windowKey(boardID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSequencerUnavailable, err)
	}

	if len(raw) == 0 {
		head, err := s.rdb.Get(ctx, seqKey(boardID)).Uint64()
		if err != nil && err != goredis.Nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrSequencerUnavailable, err)
		}
		if fromSeq == head {
			return nil, nil
		}
		return nil, domain.ErrResyncRequired
	}

	events := make([]domain.Event, 0, len(raw))
	for _, item := range raw {
		var event domain.Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("corrupt replay window for board %d: %w", boardID, err)
		}
		events = append(events, event)
	}

	oldest := events[0].Sequence
	head := events[len(events)-1].Sequence
	if fromSeq > head {
		return nil, domain.ErrResyncRequired
	}
	if fromSeq == head {
		return nil, nil
	}
	if fromSeq+1 < oldest {
		return nil, domain.ErrResyncRequired
	}

	return events[fromSeq+1-oldest:], nil
}
