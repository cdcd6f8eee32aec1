package eventrouter

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mistervvp/board-coordinator/internal/wsconn"
)

// Broadcaster fans events out to every connected subscriber, the same
// subscribe/unsubscribe/notify shape as the teacher's updateBroker
// (stream-service/api/handlers.go), generalized from a single void wakeup
// channel to typed per-connection event sends.
type Broadcaster struct {
	mu     sync.Mutex
	conns  map[string]*wsconn.Conn
	logger *log.Logger
}

func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broadcaster{conns: make(map[string]*wsconn.Conn), logger: logger}
}

// Subscribe registers a connection for broadcast delivery.
func (b *Broadcaster) Subscribe(conn *wsconn.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn.ID] = conn
}

// Unsubscribe removes a connection, called on disconnect.
func (b *Broadcaster) Unsubscribe(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
}

// Broadcast sends eventType/payload to every subscribed connection except
// excludeConnID (pass "" to exclude none). A send failure only logs and
// drops that one recipient — one stalled client never blocks the others.
func (b *Broadcaster) Broadcast(ctx context.Context, eventType string, payload any, excludeConnID string) {
	b.mu.Lock()
	targets := make([]*wsconn.Conn, 0, len(b.conns))
	for id, c := range b.conns {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(ctx, eventType, payload); err != nil {
			b.logger.WithError(err).WithField("conn", c.ID).Warn("eventrouter: broadcast send failed")
		}
	}
}

// SendTo delivers eventType/payload privately to one connection, for
// BOARD_SNAPSHOT, ERROR and CONFLICT_NOTIFY replies (spec §6, §4.8).
func (b *Broadcaster) SendTo(ctx context.Context, connID, eventType string, payload any) {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Send(ctx, eventType, payload); err != nil {
		b.logger.WithError(err).WithField("conn", connID).Warn("eventrouter: private send failed")
	}
}
