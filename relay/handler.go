package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"p2pescrow/auth"
	"p2pescrow/lifecycle"
	"p2pescrow/models"
	"p2pescrow/store"
)

const wsWriteTimeout = 10 * time.Second

// Close codes sent when a handshake is rejected, one per cause.
const (
	CloseUnauthorized websocket.StatusCode = 4001
	CloseForbidden    websocket.StatusCode = 4003
)

// Handler upgrades authenticated parties onto an order's realtime channel.
type Handler struct {
	store    *store.Store
	hub      *Hub
	verifier *auth.Verifier
	logger   *slog.Logger
}

// NewHandler constructs the websocket handler.
func NewHandler(st *store.Store, hub *Hub, verifier *auth.Verifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, hub: hub, verifier: verifier, logger: logger}
}

// wsConn adapts a websocket connection to the hub's Conn interface. A failed
// write closes the socket so the paired read loop unblocks promptly.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		_ = c.conn.Close(websocket.StatusInternalError, "write failed")
		return err
	}
	return nil
}

// ServeWS handles GET /ws/orders/{orderID}?token=. The handshake
// authenticates the token, authorizes the wallet as a party to the order,
// and only then registers the connection; rejected attempts close with a
// cause-specific code before any registration occurs.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	wallet, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		_ = conn.Close(CloseUnauthorized, "UNAUTHORIZED")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		_ = conn.Close(CloseForbidden, "FORBIDDEN")
		return
	}
	order, err := h.store.Get(r.Context(), orderID)
	if err != nil || !isParty(order, wallet) {
		if err != nil && !isNotFound(err) {
			h.logger.Error("order lookup failed during handshake", "order", orderID, "err", err)
		}
		_ = conn.Close(CloseForbidden, "FORBIDDEN")
		return
	}

	wsc := &wsConn{conn: conn}
	if err := h.hub.Register(r.Context(), orderID, wsc); err != nil {
		h.logger.Error("relay registration failed", "order", orderID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer h.hub.Unregister(orderID, wsc)
	h.logger.Info("relay connected", "order", orderID, "wallet", wallet)
	defer h.logger.Info("relay disconnected", "order", orderID, "wallet", wallet)

	h.readLoop(r.Context(), conn, wsc, orderID, wallet)
}

// readLoop receives client messages, tags them with the sender identity, and
// broadcasts them locally and upstream. It returns when the socket closes or
// errors, which tears down the connection's registration.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, wsc *wsConn, orderID uuid.UUID, wallet string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			_ = wsc.Write(ctx, []byte(`{"error":"INVALID_JSON"}`))
			continue
		}
		payload["sender"] = wallet
		tagged, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		h.hub.Publish(ctx, orderID, tagged)
	}
}

func isParty(order *models.Order, wallet string) bool {
	if order == nil {
		return false
	}
	if strings.EqualFold(order.BuyerWallet, wallet) || strings.EqualFold(order.SellerWallet, wallet) {
		return true
	}
	return order.ArbitratorWallet != nil && strings.EqualFold(*order.ArbitratorWallet, wallet)
}

func isNotFound(err error) bool {
	return errors.Is(err, lifecycle.ErrNotFound)
}
