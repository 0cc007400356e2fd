package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NoooNlIoN/kanban-backend/internal/metrics"
)

// Monitor is the liveness loop: a single ticker that pings every registered
// connection and unregisters the ones whose last activity is older than the
// timeout. This bounds how long an abandoned session can linger in the
// registry and the subscription index.
type Monitor struct {
	hub      *Hub
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration

	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewMonitor(hub *Hub, clock clockwork.Clock, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		hub:      hub,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
}

func (m *Monitor) run() {
	defer close(m.stopped)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep prunes stale connections and pings the rest.
func (m *Monitor) sweep() {
	now := m.clock.Now()

	for _, conn := range m.hub.Connections() {
		idle := now.Sub(conn.writer.lastActivityAt())
		if idle >= m.timeout {
			slog.Info("Pruning stale connection",
				"connection_id", conn.ID.String(),
				"user_id", conn.UserID,
				"idle", idle,
			)
			metrics.StaleConnectionsPruned.Inc()
			m.hub.Unregister(conn.ID, CloseIdleTimeout)
			continue
		}
		conn.writer.tryPing()
	}
}
