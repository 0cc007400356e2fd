package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	apperrors "github.com/NoooNlIoN/kanban-backend/internal/errors"
)

const internalTokenHeader = "X-Internal-Token"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens in-band after the upgrade, not via cookies, so
		// cross-origin upgrades carry no ambient credentials.
		return true
	},
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrader has already written the error response.
		return nil
	}

	s.sessions.Handle(c.Request().Context(), conn)
	return nil
}

// publishRequest is the persistence service's notification of one committed
// mutation.
type publishRequest struct {
	BoardID   int64           `json:"board_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type publishResponse struct {
	BoardID  int64  `json:"board_id"`
	Sequence uint64 `json:"sequence"`
}

// handlePublishEvent sequences a committed mutation. Only the persistence
// service calls this, authenticated by a shared internal token.
func (s *Server) handlePublishEvent(c echo.Context) error {
	token := c.Request().Header.Get(internalTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.InternalToken)) != 1 {
		return apperrors.AuthError("invalid internal token", nil)
	}

	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("malformed request body")
	}
	if req.BoardID <= 0 {
		return apperrors.ValidationError("board_id must be positive").WithContext("board_id", req.BoardID)
	}
	eventType, err := domain.ParseEventType(req.EventType)
	if err != nil {
		return apperrors.ValidationError("unknown event type").WithContext("event_type", req.EventType)
	}

	event, err := s.sequencer.Publish(c.Request().Context(), req.BoardID, eventType, req.Payload)
	if err != nil {
		if errors.Is(err, domain.ErrSequencerUnavailable) {
			// The persistence service retries; connected clients keep
			// their subscriptions and catch up through the replay
			// window once sequencing recovers.
			return apperrors.SequencerUnavailableError("event could not be sequenced", err)
		}
		return apperrors.InternalError("publish failed", err)
	}

	return c.JSON(http.StatusAccepted, publishResponse{
		BoardID:  event.BoardID,
		Sequence: event.Sequence,
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
