// Package ledger defines the client SafeSwitch uses to emit events to the
// audit ledger, per spec §1/§9: "treat the ledger as an opaque append-only
// collaborator — the subsystem emits typed events but never reads them for
// state reconstruction." Ledger internals (hash-chaining, storage) belong
// to agentd, not here; this package only pins down the Event shape and the
// Client contract, the same way internal/mesh pins down envelopes without
// implementing a transport.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Severity classifies a ledger Event, per spec §7's "reported to the
// ledger with severity 'critical'" language for terminal Failed states.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one state-transition record, per spec §4.3's "Events emitted to
// the ledger" list: one event per state transition, carrying
// {session_id, from_state, to_state, reason, timestamp, new_config_id,
// previous_config_id}. EntityKind/EntityID generalize "session_id" to cover
// Watcher and FleetProposal transitions too, since all three engines emit
// through this same client.
type Event struct {
	ID               string    `json:"id"`
	EntityKind       string    `json:"entity_kind"`
	EntityID         string    `json:"entity_id"`
	FromState        string    `json:"from_state"`
	ToState          string    `json:"to_state"`
	Reason           string    `json:"reason,omitempty"`
	Severity         Severity  `json:"severity"`
	Timestamp        time.Time `json:"timestamp"`
	NewConfigID      string    `json:"new_config_id,omitempty"`
	PreviousConfigID string    `json:"previous_config_id,omitempty"`
}

// Client is the narrow port the three engines depend on. Append is
// fire-and-forget with at-least-once semantics per spec §5: "SafeSwitch
// treats submissions as fire-and-forget with at-least-once semantics — the
// ledger deduplicates by event id if needed." Implementations must not
// block a caller's reconciler tick on ledger availability.
type Client interface {
	Append(ctx context.Context, ev Event)
}

// NewEvent stamps a fresh Event with a random id, ready for Append.
func NewEvent(entityKind, entityID, from, to, reason string, sev Severity, now time.Time) Event {
	return Event{
		ID:         "evt-" + uuid.NewString(),
		EntityKind: entityKind,
		EntityID:   entityID,
		FromState:  from,
		ToState:    to,
		Reason:     reason,
		Severity:   sev,
		Timestamp:  now,
	}
}

const (
	queueDepth     = 256
	dialTimeout    = 2 * time.Second
	writeTimeout   = 2 * time.Second
	redialBackoff  = 500 * time.Millisecond
)

// SocketClient speaks newline-delimited JSON to agentd's ledger socket, the
// same wire shape as the teacher's operator protocol
// (internal/operator/server.go: one JSON object per line, no framing)
// adapted to a persistent client connection instead of one-shot
// request/response. A single background goroutine owns the connection and
// redials on failure; Append never blocks the caller past the queue being
// full, in which case the event is dropped and logged — at-least-once is a
// best effort, not a guarantee that survives a dead queue.
type SocketClient struct {
	socketPath string
	log        *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer

	queue   chan Event
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewSocketClient creates a SocketClient and starts its delivery loop. It
// does not dial eagerly; the first Append triggers a connection attempt.
func NewSocketClient(socketPath string, log *zap.Logger) *SocketClient {
	c := &SocketClient{
		socketPath: socketPath,
		log:        log,
		queue:      make(chan Event, queueDepth),
		closing:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.deliverLoop()
	return c
}

// Append enqueues ev for delivery. If the queue is full the event is
// dropped with a logged warning rather than blocking the caller — per
// spec §9, reconciler correctness must never couple to ledger availability.
func (c *SocketClient) Append(ctx context.Context, ev Event) {
	select {
	case c.queue <- ev:
	default:
		c.log.Warn("ledger: queue full, dropping event",
			zap.String("entity_kind", ev.EntityKind),
			zap.String("entity_id", ev.EntityID),
			zap.String("to_state", ev.ToState))
	}
}

func (c *SocketClient) deliverLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.queue:
			c.deliver(ev)
		case <-c.closing:
			return
		}
	}
}

// deliver writes one event, redialing once on a broken connection. A
// second consecutive failure drops the event — the queue is not a durable
// log, and a stuck ledger must never back up the reconciler that feeds it.
func (c *SocketClient) deliver(ev Event) {
	for attempt := 0; attempt < 2; attempt++ {
		w, err := c.writerFor(attempt > 0)
		if err != nil {
			c.log.Warn("ledger: dial failed", zap.Error(err))
			time.Sleep(redialBackoff)
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			c.log.Error("ledger: marshal event failed", zap.Error(err))
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := w.Write(append(data, '\n')); err != nil || w.Flush() != nil {
			c.log.Warn("ledger: write failed, will redial", zap.Error(err))
			c.resetConn()
			continue
		}
		return
	}
	c.log.Error("ledger: dropping event after redial", zap.String("entity_id", ev.EntityID))
}

func (c *SocketClient) writerFor(forceRedial bool) (*bufio.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if forceRedial && c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.conn == nil {
		conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("ledger: dial %q: %w", c.socketPath, err)
		}
		c.conn = conn
		c.writer = bufio.NewWriter(conn)
	}
	return c.writer, nil
}

func (c *SocketClient) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close stops the delivery loop and closes any open connection. Queued
// events that haven't been delivered yet are discarded.
func (c *SocketClient) Close() error {
	close(c.closing)
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ Client = (*SocketClient)(nil)

// NotifyAdapter implements the watcher package's Notifier port over a
// Client, so a RemediationAction of kind Notify lands as an ordinary
// ledger event rather than needing a second notification transport.
type NotifyAdapter struct {
	Client Client
}

func (n NotifyAdapter) Notify(ctx context.Context, severity, message string) error {
	sev := Severity(severity)
	switch sev {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		sev = SeverityWarning
	}
	n.Client.Append(ctx, NewEvent("WatcherNotification", "", "", "", message, sev, time.Now()))
	return nil
}
