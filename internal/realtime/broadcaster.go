package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/NoooNlIoN/kanban-backend/internal/domain"
	"github.com/NoooNlIoN/kanban-backend/internal/logging"
	"github.com/NoooNlIoN/kanban-backend/internal/metrics"
)

const oracleTimeout = 2 * time.Second

// Broadcaster fans sequenced events out to subscribed connections. Each
// board gets its own pump goroutine: events for one board are processed
// strictly in commit order, boards never serialize against each other, and
// resume replay runs on the same pump so it cannot interleave with live
// delivery for that board.
type Broadcaster struct {
	hub      *Hub
	oracle   domain.PermissionOracle
	replayer domain.Replayer
	clock    clockwork.Clock

	mu    sync.Mutex
	pumps map[int64]*boardPump
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewBroadcaster(hub *Hub, oracle domain.PermissionOracle, replayer domain.Replayer, clock clockwork.Clock) *Broadcaster {
	return &Broadcaster{
		hub:      hub,
		oracle:   oracle,
		replayer: replayer,
		clock:    clock,
		pumps:    make(map[int64]*boardPump),
		done:     make(chan struct{}),
	}
}

// HandleEvent is the sequencer's event handler. It must not block, so it
// only appends to the board's pump queue.
func (b *Broadcaster) HandleEvent(event domain.Event) {
	b.pump(event.BoardID).enqueue(pumpJob{event: &event})
}

// Resume schedules a replay-then-subscribe for a connection that presented
// (board, last_seen_sequence). The permission check has already passed with
// the given level. Outcomes reach the client as messages: subscribed plus
// replayed events, or resync_required.
func (b *Broadcaster) Resume(conn *Connection, boardID int64, lastSeen uint64, level domain.AccessLevel) {
	b.pump(boardID).enqueue(pumpJob{resume: &resumeJob{
		conn:     conn,
		lastSeen: lastSeen,
		level:    level,
	}})
}

// Stop drains no further work and waits for all pumps to exit.
func (b *Broadcaster) Stop() {
	close(b.done)
	b.wg.Wait()
}

func (b *Broadcaster) pump(boardID int64) *boardPump {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, exists := b.pumps[boardID]
	if !exists {
		p = newBoardPump(boardID, b)
		b.pumps[boardID] = p
		b.wg.Add(1)
		go p.run()
	}
	return p
}

type resumeJob struct {
	conn     *Connection
	lastSeen uint64
	level    domain.AccessLevel
}

// pumpJob is either one live event or one resume request. Exactly one field
// is set.
type pumpJob struct {
	event  *domain.Event
	resume *resumeJob
}

// boardPump serializes all delivery work for one board. The queue is
// unbounded so the sequencer handler never blocks; per-connection channels
// bound the real buffering and trigger backpressure eviction.
type boardPump struct {
	boardID     int64
	broadcaster *Broadcaster

	mu     sync.Mutex
	jobs   []pumpJob
	notify chan struct{}
}

func newBoardPump(boardID int64, b *Broadcaster) *boardPump {
	return &boardPump{
		boardID:     boardID,
		broadcaster: b,
		notify:      make(chan struct{}, 1),
	}
}

func (p *boardPump) enqueue(job pumpJob) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *boardPump) drain() []pumpJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := p.jobs
	p.jobs = nil
	return jobs
}

func (p *boardPump) run() {
	b := p.broadcaster
	defer b.wg.Done()

	for {
		select {
		case <-p.notify:
			for _, job := range p.drain() {
				switch {
				case job.event != nil:
					b.deliver(*job.event)
				case job.resume != nil:
					b.handleResume(p.boardID, job.resume)
				}
			}
		case <-b.done:
			return
		}
	}
}

// deliver fans one event out to the board's current subscribers. Permission
// re-checks run concurrently (one slow oracle call must not delay the
// others); enqueueing then runs sequentially so per-connection order always
// matches commit order.
func (b *Broadcaster) deliver(event domain.Event) {
	start := b.clock.Now()
	defer func() {
		metrics.FanoutDuration.Observe(b.clock.Since(start).Seconds())
	}()

	subs := b.hub.SubscribersOf(event.BoardID)
	if len(subs) == 0 {
		return
	}

	verdicts := b.checkSubscribers(subs, event.BoardID)

	data := marshalEvent(event)
	for i, sub := range subs {
		switch verdicts[i] {
		case verdictRevoked:
			b.revoke(sub)
		case verdictSkip:
			// Oracle unavailable: keep the subscription, skip this
			// event. The client's lastSeq does not advance, so a
			// later resume closes the gap.
		case verdictDeliver:
			if event.Sequence <= sub.lastSeq.Load() {
				continue
			}
			if !sub.conn.writer.tryEnqueue(data) {
				slog.Warn("Disconnecting slow client",
					"connection_id", sub.conn.ID.String(),
					"board_id", event.BoardID,
				)
				metrics.SlowClientsEvicted.Inc()
				b.hub.Unregister(sub.conn.ID, CloseBackpressure)
				continue
			}
			sub.lastSeq.Store(event.Sequence)
			metrics.EventsDelivered.Inc()
		}
	}
}

type verdict int

const (
	verdictDeliver verdict = iota
	verdictRevoked
	verdictSkip
)

// checkSubscribers re-checks the oracle for every subscriber of one event,
// in parallel. Results are positional.
func (b *Broadcaster) checkSubscribers(subs []*subscription, boardID int64) []verdict {
	verdicts := make([]verdict, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *subscription) {
			defer wg.Done()
			verdicts[i] = b.checkOne(sub.conn.UserID, boardID)
		}(i, sub)
	}
	wg.Wait()

	return verdicts
}

func (b *Broadcaster) checkOne(userID, boardID int64) verdict {
	ctx, cancel := context.WithTimeout(context.Background(), oracleTimeout)
	defer cancel()

	level, err := b.oracle.Level(ctx, userID, boardID)
	if err != nil {
		slog.Error("Permission re-check failed",
			"user_id", userID,
			"board_id", boardID,
			"error", err,
		)
		return verdictSkip
	}
	if !level.CanRead() {
		return verdictRevoked
	}
	return verdictDeliver
}

// notifyOrEvict enqueues a notice the client must not miss. A full channel
// on a live writer means the notice cannot be delivered in order, so the
// client is evicted with a backpressure close; reconnect and resume then
// surface the state the notice would have carried. Returns false after an
// eviction.
func (b *Broadcaster) notifyOrEvict(conn *Connection, data []byte) bool {
	if conn.writer.tryEnqueue(data) {
		return true
	}
	slog.Warn("Disconnecting slow client on undeliverable notice",
		"connection_id", conn.ID.String(),
	)
	metrics.SlowClientsEvicted.Inc()
	b.hub.Unregister(conn.ID, CloseBackpressure)
	return false
}

// revoke tears one subscription down and tells the client. Runs on the
// board pump, after Unsubscribe the fan-out snapshot for the next event no
// longer contains the connection, so the notice is sent exactly once.
func (b *Broadcaster) revoke(sub *subscription) {
	b.hub.Unsubscribe(sub.conn.ID, sub.boardID)
	b.notifyOrEvict(sub.conn, marshalAccessRevoked(sub.boardID))
	metrics.AccessRevoked.Inc()

	slog.Info("Access revoked mid-session",
		"connection_id", sub.conn.ID.String(),
		"user_id", sub.conn.UserID,
		"board_id", sub.boardID,
	)
}

// handleResume replays events since lastSeen and installs the subscription,
// all on the board pump. Live events committed while the replay runs queue
// behind this job, and the subscription's lastSeq floor drops anything
// already replayed, so the handover is gap-free and duplicate-free.
func (b *Broadcaster) handleResume(boardID int64, job *resumeJob) {
	logger := logging.WithBoard(boardID).With("connection_id", job.conn.ID.String())

	ctx, cancel := context.WithTimeout(context.Background(), oracleTimeout)
	events, err := b.replayer.EventsSince(ctx, boardID, job.lastSeen)
	cancel()

	if errors.Is(err, domain.ErrResyncRequired) {
		b.notifyOrEvict(job.conn, marshalResyncRequired(boardID))
		metrics.ReplayRequests.WithLabelValues("resync_required").Inc()
		logger.Info("Resume outside replay window", "last_seen", job.lastSeen)
		return
	}
	if err != nil {
		b.notifyOrEvict(job.conn, marshalError("replay unavailable, retry later"))
		metrics.ReplayRequests.WithLabelValues("error").Inc()
		logger.Error("Replay lookup failed", "error", err)
		return
	}

	sub, err := b.hub.Subscribe(job.conn.ID, boardID, job.level, job.lastSeen)
	if err != nil {
		logger.Warn("Resume subscribe failed", "error", err)
		return
	}

	if !b.notifyOrEvict(job.conn, marshalSubscribed(boardID)) {
		return
	}
	for _, event := range events {
		// A resume on an already-live subscription replays events the
		// client has seen; the floor drops them.
		if event.Sequence <= sub.lastSeq.Load() {
			continue
		}
		if !b.notifyOrEvict(job.conn, marshalEvent(event)) {
			return
		}
		sub.lastSeq.Store(event.Sequence)
		metrics.ReplayedEvents.Inc()
	}
	metrics.ReplayRequests.WithLabelValues("replayed").Inc()

	logger.Debug("Resume replayed", "from", job.lastSeen, "events", len(events))
}
