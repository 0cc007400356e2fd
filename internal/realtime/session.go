package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	"github.com/NoooNlIoN/kanban-backend/internal/logging"
	"github.com/NoooNlIoN/kanban-backend/internal/metrics"
)

// SessionConfig carries the read-loop tunables.
type SessionConfig struct {
	AuthTimeout  time.Duration
	CommandRate  float64
	CommandBurst int
}

// SessionHandler drives the server side of one websocket session: the auth
// handshake, the command read loop, and teardown.
type SessionHandler struct {
	hub         *Hub
	broadcaster *Broadcaster
	verifier    domain.TokenVerifier
	oracle      domain.PermissionOracle
	clock       clockwork.Clock
	config      SessionConfig
}

func NewSessionHandler(hub *Hub, broadcaster *Broadcaster, verifier domain.TokenVerifier, oracle domain.PermissionOracle, clock clockwork.Clock, config SessionConfig) *SessionHandler {
	return &SessionHandler{
		hub:         hub,
		broadcaster: broadcaster,
		verifier:    verifier,
		oracle:      oracle,
		clock:       clock,
		config:      config,
	}
}

// Handle runs the session until the client disconnects or is evicted.
// Takes ownership of the websocket connection.
func (h *SessionHandler) Handle(ctx context.Context, wsConn *websocket.Conn) {
	conn, ok := h.handshake(ctx, wsConn)
	if !ok {
		return
	}

	h.readLoop(ctx, wsConn, conn)

	// Covers client-initiated closes and read errors. Evictions that
	// already unregistered make this a no-op.
	h.hub.Unregister(conn.ID, CloseNormal)
}

// handshake expects the first frame to be an auth command within the auth
// window. Anything else closes the connection with a distinguishable code.
func (h *SessionHandler) handshake(ctx context.Context, wsConn *websocket.Conn) (*Connection, bool) {
	_ = wsConn.SetReadDeadline(h.clock.Now().Add(h.config.AuthTimeout))

	_, data, err := wsConn.ReadMessage()
	if err != nil {
		// Only an expired auth window reports auth_timeout; aborts and
		// protocol errors before authentication are auth_failed.
		code := CloseAuthFailed
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = CloseAuthTimeout
		}
		h.rejectConnection(wsConn, code)
		return nil, false
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != cmdAuth {
		h.writeDirect(wsConn, marshalAuthFailed())
		h.rejectConnection(wsConn, CloseAuthFailed)
		return nil, false
	}

	identity, err := h.verifier.Verify(ctx, msg.Token)
	if err != nil {
		metrics.AuthFailures.Inc()
		slog.Info("Authentication failed", "error", err)
		h.writeDirect(wsConn, marshalAuthFailed())
		h.rejectConnection(wsConn, CloseAuthFailed)
		return nil, false
	}

	conn, err := h.hub.Register(identity, wsConn)
	if err != nil {
		slog.Warn("Registration rejected", "user_id", identity.UserID, "error", err)
		h.writeDirect(wsConn, marshalError("too many connections"))
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections")
		_ = wsConn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = wsConn.Close()
		return nil, false
	}

	conn.writer.tryEnqueue(marshalAuthOK(identity.UserID))

	logging.WithConnection(conn.ID.String()).Info("Session established", "user_id", identity.UserID)
	return conn, true
}

func (h *SessionHandler) readLoop(ctx context.Context, wsConn *websocket.Conn, conn *Connection) {
	limiter := rate.NewLimiter(rate.Limit(h.config.CommandRate), h.config.CommandBurst)
	logger := logging.WithConnection(conn.ID.String())

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Read loop ended", "error", err)
			}
			return
		}

		conn.writer.recordActivity()
		conn.writer.updateReadDeadline()

		if !limiter.Allow() {
			conn.writer.tryEnqueue(marshalError("rate limit exceeded"))
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.writer.tryEnqueue(marshalError("malformed message"))
			continue
		}

		h.dispatch(ctx, conn, msg)
	}
}

func (h *SessionHandler) dispatch(ctx context.Context, conn *Connection, msg clientMessage) {
	switch msg.Type {
	case cmdSubscribe:
		h.handleSubscribe(ctx, conn, msg.BoardID)
	case cmdUnsubscribe:
		h.hub.Unsubscribe(conn.ID, msg.BoardID)
	case cmdResume:
		h.handleResume(ctx, conn, msg.BoardID, msg.LastSeenSequence)
	case cmdPing:
		conn.writer.tryEnqueue(marshalPong())
	case cmdAuth:
		conn.writer.tryEnqueue(marshalError("already authenticated"))
	default:
		conn.writer.tryEnqueue(marshalError("unknown command"))
	}
}

func (h *SessionHandler) handleSubscribe(ctx context.Context, conn *Connection, boardID int64) {
	level, ok := h.checkAccess(ctx, conn, boardID)
	if !ok {
		return
	}

	if _, err := h.hub.Subscribe(conn.ID, boardID, level, 0); err != nil {
		conn.writer.tryEnqueue(marshalError("subscribe failed"))
		return
	}
	conn.writer.tryEnqueue(marshalSubscribed(boardID))
}

func (h *SessionHandler) handleResume(ctx context.Context, conn *Connection, boardID int64, lastSeen uint64) {
	level, ok := h.checkAccess(ctx, conn, boardID)
	if !ok {
		return
	}

	h.broadcaster.Resume(conn, boardID, lastSeen, level)
}

// checkAccess consults the oracle for a subscribe or resume. Denials and
// oracle failures both answer subscribe_denied; the connection stays open
// and the client may retry.
func (h *SessionHandler) checkAccess(ctx context.Context, conn *Connection, boardID int64) (domain.AccessLevel, bool) {
	checkCtx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()

	level, err := h.oracle.Level(checkCtx, conn.UserID, boardID)
	if err != nil {
		slog.Error("Subscribe permission check failed",
			"user_id", conn.UserID,
			"board_id", boardID,
			"error", err,
		)
		conn.writer.tryEnqueue(marshalSubscribeDenied(boardID))
		return domain.AccessNone, false
	}
	if !level.CanRead() {
		conn.writer.tryEnqueue(marshalSubscribeDenied(boardID))
		return domain.AccessNone, false
	}
	return level, true
}

// rejectConnection closes a connection that never completed the handshake.
func (h *SessionHandler) rejectConnection(wsConn *websocket.Conn, code int) {
	metrics.ConnectionsClosed.WithLabelValues(CloseReason(code)).Inc()
	closeMsg := websocket.FormatCloseMessage(code, CloseReason(code))
	_ = wsConn.SetWriteDeadline(h.clock.Now().Add(writeDeadline))
	_ = wsConn.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = wsConn.Close()
}

func (h *SessionHandler) writeDirect(wsConn *websocket.Conn, data []byte) {
	_ = wsConn.SetWriteDeadline(h.clock.Now().Add(writeDeadline))
	_ = wsConn.WriteMessage(websocket.TextMessage, data)
}
