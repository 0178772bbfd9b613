// Package websocket pushes notifications to connected clients as they are
// delivered. Each connection is bound to the inbox of the authenticated
// actor; clients cannot pick their own topics.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
)

const sendBuffer = 64

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one live connection subscribed to one inbox.
type Client struct {
	ID    string
	Inbox string
	Send  chan []byte
}

func newClient(inbox string) *Client {
	return &Client{ID: uuid.New().String(), Inbox: inbox, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks live clients by inbox. It is a notification.Sink and a
// notification.Dispatcher, so it can sit behind the async dispatcher or be
// called directly next to a queue.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // inbox -> clients
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "notify-live").Logger(),
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.Inbox] == nil {
		h.clients[c.Inbox] = make(map[*Client]struct{})
	}
	h.clients[c.Inbox][c] = struct{}{}
}

// Unregister removes c and closes its Send channel. Calling it twice is a
// no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[c.Inbox]
	if !ok {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.clients, c.Inbox)
	}
	close(c.Send)
}

// Deliver pushes n to every client of the recipient's inbox. Slow clients
// whose buffer is full miss the message; the inbox still has it.
func (h *Hub) Deliver(_ context.Context, n *notification.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	inbox := notification.InboxKey(n.RecipientRole, n.RecipientID)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[inbox] {
		select {
		case c.Send <- data:
		default:
			h.logger.Debug().Str("client", c.ID).Msg("live client buffer full, dropping")
		}
	}
	return nil
}

func (h *Hub) Dispatch(ctx context.Context, n *notification.Notification) {
	if err := h.Deliver(ctx, n); err != nil {
		h.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("live push failed")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

func (h *Hub) InboxCount(inbox string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[inbox])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades authenticated requests to a notification stream.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections whose Origin is in origins; "*" or an
// empty list allows any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications/stream", h.HandleConnect,
		auth.RequireRole(auth.RoleDoctor, auth.RolePatient, auth.RoleSecretary))
}

// HandleConnect resolves the caller's inbox before upgrading so that auth
// failures are ordinary HTTP errors.
func (h *Handler) HandleConnect(c echo.Context) error {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	role, id, ok := notification.InboxOf(actor)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "missing permission receive_notifications")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the response.
		return nil
	}
	client := newClient(notification.InboxKey(role, id))
	h.hub.Register(client)

	go writePump(client, ws)
	go readPump(h.hub, client, ws)
	return nil
}

// readPump discards inbound frames and unregisters the client once the
// peer goes away.
func readPump(hub *Hub, c *Client, conn Conn) {
	defer func() {
		hub.Unregister(c)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(c *Client, conn Conn) {
	defer conn.Close()
	for msg := range c.Send {
		if err := conn.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
			return
		}
	}
}
