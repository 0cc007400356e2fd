package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline        = 5 * time.Second
	closeControlDeadline = time.Second
)

// clientWriter owns the write side of one websocket connection. All frames
// go out through its run goroutine, so the connection is never written
// concurrently. The outbound channel is bounded; callers use TryEnqueue and
// handle overflow themselves.
type clientWriter struct {
	connection    *websocket.Conn
	clock         clockwork.Clock
	readDeadline  time.Duration
	sendChannel   chan []byte
	pingChannel   chan struct{}
	doneChannel   chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	lastActivity  time.Time
	activityMutex sync.Mutex
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, bufferSize int, readDeadline time.Duration) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        clock,
		readDeadline: readDeadline,
		sendChannel:  make(chan []byte, bufferSize),
		pingChannel:  make(chan struct{}, 1),
		doneChannel:  make(chan struct{}),
		lastActivity: clock.Now(),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.pingChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// tryEnqueue attempts a non-blocking send of one text frame. Returns false
// when the channel is full (slow consumer) or the writer has stopped; a
// false return on a live writer is the backpressure trigger.
func (cw *clientWriter) tryEnqueue(msg []byte) bool {
	select {
	case <-cw.doneChannel:
		// Stopped writers swallow sends so in-flight fan-out to a
		// removed connection is a safe no-op.
		return true
	default:
	}

	select {
	case cw.sendChannel <- msg:
		return true
	case <-cw.doneChannel:
		return true
	default:
		return false
	}
}

// tryPing requests a websocket control ping. Coalesces with a pending ping.
func (cw *clientWriter) tryPing() {
	select {
	case cw.pingChannel <- struct{}{}:
	default:
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopWithClose sends a close frame with the given code before closing, so
// the client can tell apart idle timeouts, backpressure evictions and
// normal shutdown. WriteControl is safe alongside the run goroutine, and
// closing the connection afterwards unblocks a write stuck on a slow
// client, so a stuck writer cannot stall the caller beyond the control
// deadline.
func (cw *clientWriter) stopWithClose(code int) {
	cw.stopOnce.Do(func() {
		closeMsg := websocket.FormatCloseMessage(code, CloseReason(code))
		deadline := cw.clock.Now().Add(closeControlDeadline)
		_ = cw.connection.WriteControl(websocket.CloseMessage, closeMsg, deadline)

		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.recordActivity()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	deadline := cw.clock.Now().Add(writeDeadline)
	_ = cw.connection.SetWriteDeadline(deadline)
}

func (cw *clientWriter) updateReadDeadline() {
	deadline := cw.clock.Now().Add(cw.readDeadline)
	_ = cw.connection.SetReadDeadline(deadline)
}

// recordActivity marks the connection as live. Called on every pong and on
// every inbound client message.
func (cw *clientWriter) recordActivity() {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	cw.lastActivity = cw.clock.Now()
}

func (cw *clientWriter) lastActivityAt() time.Time {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	return cw.lastActivity
}
