package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Identity is the outcome of verifying a bearer token.
type Identity struct {
	UserID    int64
	ExpiresAt time.Time
}

// TokenVerifier validates a bearer token presented during the handshake.
// Returns ErrTokenInvalid (or a wrapping error) when the token is rejected.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// PermissionOracle is the authoritative source of a user's current access
// level on a board. Consulted on every subscribe and on every fan-out
// decision; results must never be cached across events.
type PermissionOracle interface {
	Level(ctx context.Context, userID, boardID int64) (AccessLevel, error)
}

// Sequencer assigns per-board commit-ordered sequence numbers and retains a
// bounded replay window per board.
type Sequencer interface {
	Replayer

	// Publish sequences one committed mutation and hands it to the
	// registered event handler in commit order for its board.
	Publish(ctx context.Context, boardID int64, eventType EventType, payload json.RawMessage) (Event, error)
}

// Replayer answers reconnect replay requests. EventsSince returns the events
// with sequence > fromSeq for the board, oldest first. If fromSeq is older
// than the oldest retained event it returns ErrResyncRequired instead of a
// partial window.
type Replayer interface {
	EventsSince(ctx context.Context, boardID int64, fromSeq uint64) ([]Event, error)
}
