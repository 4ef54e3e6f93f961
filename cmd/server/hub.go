package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/xtrntr/venue/internal/api"
	"github.com/xtrntr/venue/internal/auth"
	"github.com/xtrntr/venue/internal/exchange"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(payload)
}

// hub tracks websocket connections by user and implements
// exchange.Notifier: each trade event is delivered only to the two
// participants' sockets.
type hub struct {
	authService *auth.AuthService
	logger      *zap.Logger

	mu      sync.RWMutex
	clients map[int64]map[*wsClient]bool
}

func newHub(authService *auth.AuthService, logger *zap.Logger) *hub {
	return &hub{
		authService: authService,
		logger:      logger,
		clients:     make(map[int64]map[*wsClient]bool),
	}
}

func (h *hub) add(userID int64, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*wsClient]bool)
	}
	h.clients[userID][client] = true
}

func (h *hub) remove(userID int64, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// OrderMatched delivers the trade event to both participants. Runs after
// the settlement commits; failures are logged and dropped.
func (h *hub) OrderMatched(ctx context.Context, event exchange.TradeEvent) {
	for userID := range event.Profiles {
		profile := event.Profiles[userID]
		payload := map[string]any{
			"event":      "OrderMatched",
			"trade":      api.RenderTrade(&event.Trade),
			"buy_order":  api.RenderOrder(&event.BuyOrder),
			"sell_order": api.RenderOrder(&event.SellOrder),
			"profile":    api.RenderProfile(&profile),
		}

		h.mu.RLock()
		targets := make([]*wsClient, 0, len(h.clients[userID]))
		for client := range h.clients[userID] {
			targets = append(targets, client)
		}
		h.mu.RUnlock()

		for _, client := range targets {
			if err := client.send(payload); err != nil {
				h.logger.Warn("failed to deliver trade event",
					zap.Int64("user_id", userID), zap.Error(err))
				h.remove(userID, client)
			}
		}
	}
}

// handleWebSocket upgrades an authenticated connection and keeps it open
// until the client disconnects. The token travels as a query parameter
// because browsers cannot set headers on websocket dials.
func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authService.GetUserFromToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.add(userID, client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(userID, client)
			conn.Close()
			break
		}
	}
}
