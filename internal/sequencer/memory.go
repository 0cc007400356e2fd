package sequencer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	"github.com/NoooNlIoN/kanban-backend/internal/metrics"
)

// Handler receives sequenced events in commit order for their board.
// Handlers must not block: they run on the publisher's critical path.
type Handler func(domain.Event)

// boardLog holds one board's sequence counter and retained events.
// events is ordered by sequence; oldest entries are evicted FIFO once the
// window is full.
type boardLog struct {
	mu     sync.Mutex
	head   uint64
	events []domain.Event
}

// MemorySequencer keeps sequence counters and replay windows in process
// memory. Suitable for single-instance deployments and tests.
type MemorySequencer struct {
	mu         sync.Mutex
	boards     map[int64]*boardLog
	windowSize int
	clock      clockwork.Clock

	handlerMu sync.RWMutex
	handler   Handler
}

// NewMemorySequencer creates a sequencer retaining the last windowSize events
// per board.
func NewMemorySequencer(windowSize int, clock clockwork.Clock) *MemorySequencer {
	return &MemorySequencer{
		boards:     make(map[int64]*boardLog),
		windowSize: windowSize,
		clock:      clock,
	}
}

// OnEvent registers the handler that receives every sequenced event.
// Must be called before the first Publish.
func (s *MemorySequencer) OnEvent(handler Handler) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

func (s *MemorySequencer) board(boardID int64) *boardLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.boards[boardID]
	if !ok {
		log = &boardLog{}
		s.boards[boardID] = log
	}
	return log
}

// Publish assigns the next sequence number for the board, appends the event
// to the replay window, and hands it to the handler. The handler is invoked
// under the board's lock so delivery order matches commit order; different
// boards do not serialize against each other.
func (s *MemorySequencer) Publish(_ context.Context, boardID int64, eventType domain.EventType, payload json.RawMessage) (domain.Event, error) {
	log := s.board(boardID)

	log.mu.Lock()
	defer log.mu.Unlock()

	log.head++
	event := domain.Event{
		BoardID:     boardID,
		Sequence:    log.head,
		Type:        eventType,
		Payload:     payload,
		CommittedAt: s.clock.Now().UTC(),
	}

	log.events = append(log.events, event)
	if len(log.events) > s.windowSize {
		log.events = log.events[len(log.events)-s.windowSize:]
	}
	metrics.EventsPublished.WithLabelValues(string(eventType)).Inc()

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(event)
	}

	return event, nil
}

// EventsSince returns the events with sequence > fromSeq, oldest first.
// Returns domain.ErrResyncRequired when fromSeq falls outside the retained
// window (older than the oldest retained event, or ahead of the head).
func (s *MemorySequencer) EventsSince(_ context.Context, boardID int64, fromSeq uint64) ([]domain.Event, error) {
	log := s.board(boardID)

	log.mu.Lock()
	defer log.mu.Unlock()

	if fromSeq > log.head {
		return nil, domain.ErrResyncRequired
	}
	if fromSeq == log.head {
		return nil, nil
	}

	oldest := log.head - uint64(len(log.events)) + 1
	if fromSeq+1 < oldest {
		return nil, domain.ErrResyncRequired
	}

	start := int(fromSeq + 1 - oldest)
	out := make([]domain.Event, len(log.events)-start)
	copy(out, log.events[start:])
	return out, nil
}
