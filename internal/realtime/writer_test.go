package realtime

import (
	"bytes"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientWriterDeliversInOrder(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock(), 16, time.Minute)
	t.Cleanup(cw.stop)

	for _, msg := range []string{"one", "two", "three"} {
		require.True(t, cw.tryEnqueue([]byte(msg)))
	}

	for _, want := range []string{"one", "two", "three"} {
		client.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestClientWriterOverflowReportsBackpressure(t *testing.T) {
	server, client := newTestConnPair(t)
	_ = client // never reads, so socket buffers fill up

	cw := newClientWriter(server, clockwork.NewRealClock(), 1, time.Minute)
	t.Cleanup(cw.stop)

	// Large frames fill the kernel buffers quickly; once the run
	// goroutine blocks on a write, the one-slot channel overflows.
	big := bytes.Repeat([]byte("x"), 256*1024)

	overflowed := false
	for range 100 {
		if !cw.tryEnqueue(big) {
			overflowed = true
			break
		}
	}
	assert.True(t, overflowed, "expected tryEnqueue to report overflow for a non-reading client")
}

func TestClientWriterEnqueueAfterStopIsDropped(t *testing.T) {
	server, _ := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock(), 1, time.Minute)

	cw.stop()

	// Sends to a stopped writer are swallowed, never reported as
	// backpressure.
	assert.True(t, cw.tryEnqueue([]byte("late")))
	assert.True(t, cw.tryEnqueue([]byte("late")))
}

func TestClientWriterPing(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock(), 16, time.Minute)
	t.Cleanup(cw.stop)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})

	cw.tryPing()

	// Ping frames only surface through the read loop.
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(time.Second):
		t.Fatal("no ping received")
	}
}

func TestClientWriterStopWithCloseCode(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock(), 16, time.Minute)

	cw.stopWithClose(CloseBackpressure)

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseBackpressure, closeErr.Code)
	assert.Equal(t, "backpressure_exceeded", closeErr.Text)
}

func TestClientWriterActivityTracking(t *testing.T) {
	server, _ := newTestConnPair(t)
	clock := clockwork.NewFakeClock()
	cw := &clientWriter{
		connection:   server,
		clock:        clock,
		readDeadline: time.Minute,
		sendChannel:  make(chan []byte, 1),
		pingChannel:  make(chan struct{}, 1),
		doneChannel:  make(chan struct{}),
		lastActivity: clock.Now(),
	}

	created := cw.lastActivityAt()
	clock.Advance(10 * time.Second)
	cw.recordActivity()

	assert.Equal(t, created.Add(10*time.Second), cw.lastActivityAt())
}
