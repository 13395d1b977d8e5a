// Package relay delivers order-scoped events to every connected party,
// regardless of which process instance holds the connection. Delivery is
// best-effort, at most once per live subscriber: a connection that fails a
// write is dropped, and clients reconcile against the order store on
// reconnect.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"p2pescrow/models"
	"p2pescrow/observability/metrics"
)

// Conn is one client connection held by this instance.
type Conn interface {
	// Write delivers a payload; an error marks the connection dead.
	Write(ctx context.Context, payload []byte) error
}

// envelope wraps bus payloads with the publishing instance's identity so an
// instance never re-delivers its own broadcasts.
type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

type group struct {
	conns  map[Conn]struct{}
	cancel func()
}

// Hub maintains this instance's connections grouped by order and bridges
// them to the cross-instance bus.
type Hub struct {
	bus    Bus
	origin string
	logger *slog.Logger

	mu     sync.Mutex
	groups map[uuid.UUID]*group
}

// NewHub constructs a hub over the supplied bus.
func NewHub(bus Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:    bus,
		origin: uuid.NewString(),
		logger: logger,
		groups: make(map[uuid.UUID]*group),
	}
}

func channelFor(orderID uuid.UUID) string {
	return "order:" + orderID.String()
}

// Register adds a connection to the order's local group, subscribing the
// group to the order's broadcast channel on first use.
func (h *Hub) Register(ctx context.Context, orderID uuid.UUID, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[orderID]
	if !ok {
		incoming, cancel, err := h.bus.Subscribe(ctx, channelFor(orderID))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", channelFor(orderID), err)
		}
		g = &group{conns: make(map[Conn]struct{}), cancel: cancel}
		h.groups[orderID] = g
		go h.forward(orderID, incoming)
	}
	g.conns[conn] = struct{}{}
	metrics.RelayConnections.Inc()
	return nil
}

// Unregister removes a connection, tearing down the bus subscription when
// the order's local group empties.
func (h *Hub) Unregister(orderID uuid.UUID, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[orderID]
	if !ok {
		return
	}
	if _, live := g.conns[conn]; !live {
		return
	}
	delete(g.conns, conn)
	metrics.RelayConnections.Dec()
	if len(g.conns) == 0 {
		g.cancel()
		delete(h.groups, orderID)
	}
}

// forward drains sibling-instance broadcasts into the local group until the
// subscription channel closes.
func (h *Hub) forward(orderID uuid.UUID, incoming <-chan []byte) {
	for raw := range incoming {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Warn("malformed bus message dropped", "order", orderID, "err", err)
			continue
		}
		if env.Origin == h.origin {
			continue
		}
		h.deliverLocal(orderID, env.Data)
	}
}

// Publish delivers the payload to the order's local connections and
// republishes it for sibling instances.
func (h *Hub) Publish(ctx context.Context, orderID uuid.UUID, payload []byte) {
	h.deliverLocal(orderID, payload)
	env, err := json.Marshal(envelope{Origin: h.origin, Data: payload})
	if err != nil {
		h.logger.Error("marshal relay envelope", "err", err)
		return
	}
	if err := h.bus.Publish(ctx, channelFor(orderID), env); err != nil {
		// Cross-instance delivery is advisory; local delivery already
		// happened and clients reconcile on reconnect.
		h.logger.Warn("bus publish failed", "order", orderID, "err", err)
		return
	}
	metrics.RelayMessages.WithLabelValues("upstream").Inc()
}

// PublishOrderUpdate broadcasts a status change to the order's channel. The
// reconciler and sweeper call it after their transactions commit.
func (h *Hub) PublishOrderUpdate(ctx context.Context, orderID uuid.UUID, status models.OrderStatus) {
	payload, err := json.Marshal(map[string]any{
		"type":     "status_update",
		"order_id": orderID.String(),
		"status":   status,
	})
	if err != nil {
		h.logger.Error("marshal status update", "err", err)
		return
	}
	h.Publish(ctx, orderID, payload)
}

func (h *Hub) deliverLocal(orderID uuid.UUID, payload []byte) {
	h.mu.Lock()
	g, ok := h.groups[orderID]
	if !ok {
		h.mu.Unlock()
		return
	}
	conns := make([]Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Write(context.Background(), payload); err != nil {
			metrics.RelayMessages.WithLabelValues("dropped").Inc()
			h.Unregister(orderID, c)
			continue
		}
		metrics.RelayMessages.WithLabelValues("local").Inc()
	}
}
