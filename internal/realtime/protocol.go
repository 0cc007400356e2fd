package realtime

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
)

// Close codes sent to clients. 4000-range codes are application-defined so
// clients can distinguish why they were disconnected.
const (
	CloseAuthTimeout  = 4001
	CloseAuthFailed   = 4002
	CloseIdleTimeout  = 4003
	CloseBackpressure = 4004
	CloseNormal       = websocket.CloseNormalClosure
)

// CloseReason maps a close code to its wire-level reason string, also used
// as the metrics label.
func CloseReason(code int) string {
	switch code {
	case CloseAuthTimeout:
		return "auth_timeout"
	case CloseAuthFailed:
		return "auth_failed"
	case CloseIdleTimeout:
		return "idle_timeout"
	case CloseBackpressure:
		return "backpressure_exceeded"
	case CloseNormal:
		return "normal_close"
	default:
		return "abnormal"
	}
}

// Client command types.
const (
	cmdAuth        = "auth"
	cmdSubscribe   = "subscribe"
	cmdUnsubscribe = "unsubscribe"
	cmdResume      = "resume"
	cmdPing        = "ping"
)

// clientMessage is the envelope for every client command. Fields beyond Type
// are populated depending on the command.
type clientMessage struct {
	Type             string `json:"type"`
	Token            string `json:"token,omitempty"`
	BoardID          int64  `json:"board_id,omitempty"`
	LastSeenSequence uint64 `json:"last_seen_sequence,omitempty"`
}

type authOKMessage struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type authFailedMessage struct {
	Type string `json:"type"`
}

type boardMessage struct {
	Type    string `json:"type"`
	BoardID int64  `json:"board_id"`
}

type eventMessage struct {
	Type      string          `json:"type"`
	BoardID   int64           `json:"board_id"`
	Sequence  uint64          `json:"sequence"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalAuthOK(userID int64) []byte {
	data, _ := json.Marshal(authOKMessage{Type: "auth_ok", UserID: userID})
	return data
}

func marshalAuthFailed() []byte {
	data, _ := json.Marshal(authFailedMessage{Type: "auth_failed"})
	return data
}

func marshalSubscribed(boardID int64) []byte {
	data, _ := json.Marshal(boardMessage{Type: "subscribed", BoardID: boardID})
	return data
}

func marshalSubscribeDenied(boardID int64) []byte {
	data, _ := json.Marshal(boardMessage{Type: "subscribe_denied", BoardID: boardID})
	return data
}

func marshalAccessRevoked(boardID int64) []byte {
	data, _ := json.Marshal(boardMessage{Type: "access_revoked", BoardID: boardID})
	return data
}

func marshalResyncRequired(boardID int64) []byte {
	data, _ := json.Marshal(boardMessage{Type: "resync_required", BoardID: boardID})
	return data
}

func marshalEvent(event domain.Event) []byte {
	data, _ := json.Marshal(eventMessage{
		Type:      "event",
		BoardID:   event.BoardID,
		Sequence:  event.Sequence,
		EventType: string(event.Type),
		Payload:   event.Payload,
	})
	return data
}

func marshalPong() []byte {
	data, _ := json.Marshal(pongMessage{Type: "pong"})
	return data
}

func marshalError(message string) []byte {
	data, _ := json.Marshal(errorMessage{Type: "error", Message: message})
	return data
}
