package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/xtrntr/venue/internal/auth"
	"github.com/xtrntr/venue/internal/db"
	"github.com/xtrntr/venue/internal/exchange"
	"github.com/xtrntr/venue/internal/ledger"
	"github.com/xtrntr/venue/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers.
type Handler struct {
	DB          *db.DB
	Exchange    *exchange.Service
	AuthService *auth.AuthService
	Logger      *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(database *db.DB, ex *exchange.Service, authService *auth.AuthService, logger *zap.Logger) *Handler {
	return &Handler{DB: database, Exchange: ex, AuthService: authService, Logger: logger}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "Name, email and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"name":  user.Name,
		"email": user.Email,
	})
}

// Login handles user login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies bearer tokens and stores the user ID in the
// request context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			respondError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUserID(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(userIDKey).(int64)
	return userID, ok
}

// GetProfile returns the authenticated user's wallet snapshot.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	profile, err := h.Exchange.GetProfile(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load profile")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"data": RenderProfile(profile)})
}

// PlaceOrder handles order placement and triggers matching.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Symbol string          `json:"symbol"`
		Side   string          `json:"side"`
		Price  decimal.Decimal `json:"price"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	side := models.Side(strings.ToLower(req.Side))
	switch {
	case req.Symbol == "" || len(req.Symbol) > 10:
		respondError(w, http.StatusBadRequest, "Symbol must be 1-10 characters")
		return
	case !side.Valid():
		respondError(w, http.StatusBadRequest, "Side must be 'buy' or 'sell'")
		return
	case req.Price.LessThan(minPrice):
		respondError(w, http.StatusBadRequest, "Price must be at least 0.01")
		return
	case req.Amount.LessThan(minAmount):
		respondError(w, http.StatusBadRequest, "Amount must be at least 0.00000001")
		return
	}

	order, err := h.Exchange.Place(r.Context(), userID, exchange.PlaceRequest{
		Symbol: req.Symbol,
		Side:   side,
		Price:  req.Price,
		Amount: req.Amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, exchange.ErrInsufficientFunds),
			errors.Is(err, exchange.ErrNoHoldings),
			errors.Is(err, exchange.ErrInsufficientAsset):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.Logger.Error("failed to place order", zap.Int64("user_id", userID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to place order")
		}
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"data": RenderOrder(order)})
}

var (
	minPrice  = decimal.New(1, -2) // 0.01
	minAmount = decimal.New(1, -8) // 0.00000001
)

// ListOrders serves both views of the orders collection: the caller's own
// orders when mine=1, otherwise a symbol's open book split by side.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if mine, _ := strconv.ParseBool(r.URL.Query().Get("mine")); mine {
		h.listUserOrders(w, r, userID)
		return
	}

	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" || len(symbol) > 10 {
		respondError(w, http.StatusBadRequest, "Symbol must be 1-10 characters")
		return
	}

	buyOrders, err := h.DB.ListOpenOrders(r.Context(), symbol, models.SideBuy)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retrieve order book")
		return
	}
	sellOrders, err := h.DB.ListOpenOrders(r.Context(), symbol, models.SideSell)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retrieve order book")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"buy":    RenderOrders(buyOrders),
		"sell":   RenderOrders(sellOrders),
	})
}

func (h *Handler) listUserOrders(w http.ResponseWriter, r *http.Request, userID int64) {
	filter := db.OrderFilter{
		Symbol: strings.ToUpper(r.URL.Query().Get("symbol")),
	}
	if side := strings.ToLower(r.URL.Query().Get("side")); side != "" {
		filter.Side = models.Side(side)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = resolveStatus(status)
	}

	orders, err := h.DB.ListUserOrders(r.Context(), userID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"orders": RenderOrders(orders)})
}

// resolveStatus accepts both numeric status codes and names.
func resolveStatus(value string) models.Status {
	if code, err := strconv.Atoi(value); err == nil {
		switch status := models.Status(code); status {
		case models.StatusOpen, models.StatusFilled, models.StatusCancelled:
			return status
		}
		return 0
	}
	switch strings.ToLower(value) {
	case "open":
		return models.StatusOpen
	case "filled":
		return models.StatusFilled
	case "cancelled", "canceled":
		return models.StatusCancelled
	}
	return 0
}

// CancelOrder cancels an open order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.DB.GetOrder(r.Context(), h.DB.Pool, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondError(w, http.StatusNotFound, "Order not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load order")
		return
	}
	if order.UserID != userID {
		respondError(w, http.StatusForbidden, "You can only cancel your own orders")
		return
	}

	cancelled, err := h.Exchange.Cancel(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, exchange.ErrNotCancellable):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, exchange.ErrNotFound):
			respondError(w, http.StatusNotFound, "Order not found")
		default:
			h.Logger.Error("failed to cancel order", zap.Int64("order_id", orderID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to cancel order")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"data": RenderOrder(cancelled)})
}

// GetUserTrades retrieves the caller's trade history.
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	trades, err := h.DB.GetUserTrades(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retrieve trades")
		return
	}

	rendered := make([]map[string]any, 0, len(trades))
	for i := range trades {
		rendered = append(rendered, RenderTrade(&trades[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{"trades": rendered})
}

// RenderOrder shapes an order for API and event payloads.
func RenderOrder(order *models.Order) map[string]any {
	return map[string]any{
		"id":             order.ID,
		"user_id":        order.UserID,
		"symbol":         order.Symbol,
		"side":           order.Side,
		"price":          ledger.MoneyString(order.Price),
		"amount":         ledger.QuantityString(order.Amount),
		"status":         order.Status.String(),
		"status_code":    int(order.Status),
		"reserved_value": ledger.MoneyString(order.ReservedValue),
		"filled_at":      order.FilledAt,
		"created_at":     order.CreatedAt,
	}
}

// RenderOrders shapes a slice of orders.
func RenderOrders(orders []models.Order) []map[string]any {
	rendered := make([]map[string]any, 0, len(orders))
	for i := range orders {
		rendered = append(rendered, RenderOrder(&orders[i]))
	}
	return rendered
}

// RenderTrade shapes a trade for API and event payloads.
func RenderTrade(trade *models.Trade) map[string]any {
	return map[string]any{
		"id":          trade.ID,
		"symbol":      trade.Symbol,
		"price":       ledger.MoneyString(trade.Price),
		"amount":      ledger.QuantityString(trade.Amount),
		"total_value": ledger.MoneyString(trade.TotalValue),
		"fee":         ledger.MoneyString(trade.Fee),
		"executed_at": trade.ExecutedAt,
	}
}

// RenderProfile shapes a wallet snapshot for API and event payloads.
func RenderProfile(profile *exchange.Profile) map[string]any {
	assets := make([]map[string]any, 0, len(profile.Assets))
	for _, asset := range profile.Assets {
		assets = append(assets, map[string]any{
			"id":            asset.ID,
			"symbol":        asset.Symbol,
			"amount":        ledger.QuantityString(asset.Amount),
			"locked_amount": ledger.QuantityString(asset.LockedAmount),
			"updated_at":    asset.UpdatedAt,
		})
	}
	return map[string]any{
		"id":      profile.User.ID,
		"name":    profile.User.Name,
		"email":   profile.User.Email,
		"balance": ledger.MoneyString(profile.User.Balance),
		"assets":  assets,
	}
}
