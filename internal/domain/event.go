package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a board mutation category.
type EventType string

const (
	EventColumnCreated  EventType = "column_created"
	EventColumnUpdated  EventType = "column_updated"
	EventColumnDeleted  EventType = "column_deleted"
	EventCardCreated    EventType = "card_created"
	EventCardUpdated    EventType = "card_updated"
	EventCardMoved      EventType = "card_moved"
	EventCardDeleted    EventType = "card_deleted"
	EventCommentAdded   EventType = "comment_added"
	EventCommentDeleted EventType = "comment_deleted"
)

var validEventTypes = map[EventType]struct{}{
	EventColumnCreated:  {},
	EventColumnUpdated:  {},
	EventColumnDeleted:  {},
	EventCardCreated:    {},
	EventCardUpdated:    {},
	EventCardMoved:      {},
	EventCardDeleted:    {},
	EventCommentAdded:   {},
	EventCommentDeleted: {},
}

// ParseEventType validates a wire-level event type string.
func ParseEventType(value string) (EventType, error) {
	et := EventType(value)
	if _, ok := validEventTypes[et]; !ok {
		return "", fmt.Errorf("unknown event type %q", value)
	}
	return et, nil
}

// Event is one committed board mutation. Immutable once sequenced.
// Sequence numbers are strictly increasing per board with no gaps.
type Event struct {
	BoardID     int64           `json:"board_id"`
	Sequence    uint64          `json:"sequence"`
	Type        EventType       `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CommittedAt time.Time       `json:"committed_at"`
}
