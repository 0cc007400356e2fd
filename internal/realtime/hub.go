package realtime

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	"github.com/NoooNlIoN/kanban-backend/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// Connection is one registered websocket session. Created by Register,
// destroyed by Unregister; owned by the Hub, handed out read-only.
type Connection struct {
	ID        uuid.UUID
	UserID    int64
	CreatedAt time.Time

	writer *clientWriter
}

// subscription is one live (connection, board) pair. level is the access
// level recorded at subscribe time, kept as a hint only; the authoritative
// check happens at fan-out time. lastSeq is the highest sequence delivered
// to this connection for this board, maintained by the board pump.
type subscription struct {
	conn    *Connection
	boardID int64
	level   domain.AccessLevel
	lastSeq atomic.Uint64
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	identity     domain.Identity
	connection   *websocket.Conn
	replyChannel chan registerReply
}

type registerReply struct {
	conn *Connection
	err  error
}

type unregisterCmd struct {
	baseHubCmd
	connID    uuid.UUID
	closeCode int
	doneCh    chan struct{}
}

type subscribeCmd struct {
	baseHubCmd
	connID       uuid.UUID
	boardID      int64
	level        domain.AccessLevel
	lastSeq      uint64
	replyChannel chan subscribeReply
}

type subscribeReply struct {
	sub *subscription
	err error
}

type unsubscribeCmd struct {
	baseHubCmd
	connID  uuid.UUID
	boardID int64
	doneCh  chan struct{}
}

type subscribersCmd struct {
	baseHubCmd
	boardID      int64
	replyChannel chan []*subscription
}

type getCmd struct {
	baseHubCmd
	connID       uuid.UUID
	replyChannel chan *Connection
}

type connectionsCmd struct {
	baseHubCmd
	replyChannel chan []*Connection
}

type stopHubCmd struct {
	baseHubCmd
}

// Hub owns the connection registry and the board subscription index. All
// state lives behind a single command-processing goroutine, so registry and
// index always mutate together and fan-out snapshots are never torn.
type Hub struct {
	cmdCh chan hubCmd
	clock clockwork.Clock
	done  chan struct{}

	connections map[uuid.UUID]*Connection
	byBoard     map[int64]map[uuid.UUID]*subscription
	byConn      map[uuid.UUID]map[int64]*subscription
	perUser     map[int64]int

	sendBufferSize        int
	readDeadline          time.Duration
	maxConnectionsPerUser int
}

// NewHub creates and starts the hub actor. readDeadline bounds how long the
// read side waits for client traffic after the handshake.
func NewHub(clock clockwork.Clock, sendBufferSize, maxConnectionsPerUser int, readDeadline time.Duration) *Hub {
	h := &Hub{
		cmdCh:                 make(chan hubCmd, 256),
		clock:                 clock,
		done:                  make(chan struct{}),
		connections:           make(map[uuid.UUID]*Connection),
		byBoard:               make(map[int64]map[uuid.UUID]*subscription),
		byConn:                make(map[uuid.UUID]map[int64]*subscription),
		perUser:               make(map[int64]int),
		sendBufferSize:        sendBufferSize,
		readDeadline:          readDeadline,
		maxConnectionsPerUser: maxConnectionsPerUser,
	}
	go h.run()
	return h
}

// Register adds an authenticated connection. Fails only when the user has
// reached the connection cap.
func (h *Hub) Register(identity domain.Identity, conn *websocket.Conn) (*Connection, error) {
	replyCh := make(chan registerReply, 1)
	h.cmdCh <- registerCmd{identity: identity, connection: conn, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.conn, reply.err
	case <-timer.Chan():
		return nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a connection and all its subscriptions. Idempotent.
// The close frame carries closeCode so the client can tell why it was
// disconnected. Blocks until the removal is applied, so no fan-out snapshot
// taken afterwards can still include the connection.
func (h *Hub) Unregister(connID uuid.UUID, closeCode int) {
	doneCh := make(chan struct{})
	h.cmdCh <- unregisterCmd{connID: connID, closeCode: closeCode, doneCh: doneCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-doneCh:
	case <-timer.Chan():
		slog.Warn("Unregister timed out", "connection_id", connID.String())
	}
}

// Subscribe records a (connection, board) subscription. The permission check
// has already happened; level is the granted level at subscribe time.
// lastSeq seeds replay deduplication: events with sequence <= lastSeq are
// never delivered to this subscription. Idempotent for an existing pair.
func (h *Hub) Subscribe(connID uuid.UUID, boardID int64, level domain.AccessLevel, lastSeq uint64) (*subscription, error) {
	replyCh := make(chan subscribeReply, 1)
	h.cmdCh <- subscribeCmd{connID: connID, boardID: boardID, level: level, lastSeq: lastSeq, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.sub, reply.err
	case <-timer.Chan():
		return nil, fmt.Errorf("subscribe command timed out after %v", commandTimeout)
	}
}

// Unsubscribe removes a (connection, board) subscription. No-op if absent.
func (h *Hub) Unsubscribe(connID uuid.UUID, boardID int64) {
	doneCh := make(chan struct{})
	h.cmdCh <- unsubscribeCmd{connID: connID, boardID: boardID, doneCh: doneCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-doneCh:
	case <-timer.Chan():
		slog.Warn("Unsubscribe timed out", "connection_id", connID.String(), "board_id", boardID)
	}
}

// SubscribersOf returns a point-in-time snapshot of a board's subscriptions.
func (h *Hub) SubscribersOf(boardID int64) []*subscription {
	replyCh := make(chan []*subscription, 1)
	h.cmdCh <- subscribersCmd{boardID: boardID, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case subs := <-replyCh:
		return subs
	case <-timer.Chan():
		slog.Warn("SubscribersOf timed out", "board_id", boardID)
		return nil
	}
}

// Get looks up a connection by id. Returns nil when not registered.
func (h *Hub) Get(connID uuid.UUID) *Connection {
	replyCh := make(chan *Connection, 1)
	h.cmdCh <- getCmd{connID: connID, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case conn := <-replyCh:
		return conn
	case <-timer.Chan():
		return nil
	}
}

// Connections returns a snapshot of all registered connections, used by the
// liveness monitor.
func (h *Hub) Connections() []*Connection {
	replyCh := make(chan []*Connection, 1)
	h.cmdCh <- connectionsCmd{replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case conns := <-replyCh:
		return conns
	case <-timer.Chan():
		slog.Warn("Connections snapshot timed out")
		return nil
	}
}

// Stop shuts the hub down, closing every connection with a normal close.
func (h *Hub) Stop() {
	h.cmdCh <- stopHubCmd{}

	timer := h.clock.NewTimer(stopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c.connID, c.closeCode)
			close(c.doneCh)
		case subscribeCmd:
			c.replyChannel <- h.handleSubscribe(c)
		case unsubscribeCmd:
			h.handleUnsubscribe(c.connID, c.boardID)
			close(c.doneCh)
		case subscribersCmd:
			c.replyChannel <- h.snapshotSubscribers(c.boardID)
		case getCmd:
			c.replyChannel <- h.connections[c.connID]
		case connectionsCmd:
			c.replyChannel <- h.snapshotConnections()
		case stopHubCmd:
			h.handleStop()
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	if h.perUser[c.identity.UserID] >= h.maxConnectionsPerUser {
		slog.Warn("Rejecting connection: per-user cap reached",
			"user_id", c.identity.UserID,
			"max_connections", h.maxConnectionsPerUser,
		)
		c.replyChannel <- registerReply{err: domain.ErrTooManyConnections}
		return
	}

	conn := &Connection{
		ID:        uuid.New(),
		UserID:    c.identity.UserID,
		CreatedAt: h.clock.Now(),
		writer:    newClientWriter(c.connection, h.clock, h.sendBufferSize, h.readDeadline),
	}
	h.connections[conn.ID] = conn
	h.byConn[conn.ID] = make(map[int64]*subscription)
	h.perUser[conn.UserID]++

	metrics.ActiveConnections.Set(float64(len(h.connections)))

	slog.Debug("Connection registered",
		"connection_id", conn.ID.String(),
		"user_id", conn.UserID,
	)
	c.replyChannel <- registerReply{conn: conn}
}

func (h *Hub) handleUnregister(connID uuid.UUID, closeCode int) {
	conn, exists := h.connections[connID]
	if !exists {
		return
	}

	// Subscriptions go first so no fan-out snapshot taken after this
	// command can enqueue to the dead connection.
	for boardID := range h.byConn[connID] {
		h.removeSubscription(connID, boardID)
	}
	delete(h.byConn, connID)
	delete(h.connections, connID)

	h.perUser[conn.UserID]--
	if h.perUser[conn.UserID] <= 0 {
		delete(h.perUser, conn.UserID)
	}

	conn.writer.stopWithClose(closeCode)

	metrics.ActiveConnections.Set(float64(len(h.connections)))
	metrics.ConnectionsClosed.WithLabelValues(CloseReason(closeCode)).Inc()

	slog.Debug("Connection unregistered",
		"connection_id", connID.String(),
		"reason", CloseReason(closeCode),
	)
}

func (h *Hub) handleSubscribe(c subscribeCmd) subscribeReply {
	conn, exists := h.connections[c.connID]
	if !exists {
		return subscribeReply{err: domain.ErrConnectionNotFound}
	}

	if existing, already := h.byConn[c.connID][c.boardID]; already {
		return subscribeReply{sub: existing}
	}

	sub := &subscription{conn: conn, boardID: c.boardID, level: c.level}
	sub.lastSeq.Store(c.lastSeq)

	board, exists := h.byBoard[c.boardID]
	if !exists {
		board = make(map[uuid.UUID]*subscription)
		h.byBoard[c.boardID] = board
	}
	board[c.connID] = sub
	h.byConn[c.connID][c.boardID] = sub

	metrics.ActiveSubscriptions.Inc()

	slog.Debug("Subscribed",
		"connection_id", c.connID.String(),
		"board_id", c.boardID,
		"level", c.level.String(),
	)
	return subscribeReply{sub: sub}
}

func (h *Hub) handleUnsubscribe(connID uuid.UUID, boardID int64) {
	if _, exists := h.byConn[connID][boardID]; !exists {
		return
	}
	h.removeSubscription(connID, boardID)
	delete(h.byConn[connID], boardID)
}

// removeSubscription drops the board-side index entry and the metric.
// Callers maintain the byConn side.
func (h *Hub) removeSubscription(connID uuid.UUID, boardID int64) {
	board, exists := h.byBoard[boardID]
	if !exists {
		return
	}
	delete(board, connID)
	if len(board) == 0 {
		delete(h.byBoard, boardID)
	}
	metrics.ActiveSubscriptions.Dec()
}

func (h *Hub) snapshotSubscribers(boardID int64) []*subscription {
	board := h.byBoard[boardID]
	if len(board) == 0 {
		return nil
	}
	subs := make([]*subscription, 0, len(board))
	for _, sub := range board {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) snapshotConnections() []*Connection {
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "connections", len(h.connections))

	for connID := range h.connections {
		h.handleUnregister(connID, CloseNormal)
	}
}
