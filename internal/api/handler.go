// Package api maps HTTP requests onto the gateway. Handlers decode, call
// one gateway method and encode; they hold no trading state of their own.
//
// All monetary values are decimal strings in JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/gateway"
	"github.com/atmx/trade-gateway/internal/instrument"
	"github.com/atmx/trade-gateway/internal/marketdata"
	"github.com/atmx/trade-gateway/internal/model"
	"github.com/atmx/trade-gateway/internal/order"
	"github.com/atmx/trade-gateway/internal/risk"
	"github.com/atmx/trade-gateway/internal/session"
)

// Gateway is the façade the handlers call.
type Gateway interface {
	Session(userID string) gateway.SessionView
	BeginDailyAuth(ctx context.Context, userID string) (string, error)
	CompleteDailyAuth(ctx context.Context, userID, requestToken string) (model.UserSession, error)
	Invalidate(userID string) bool

	Subscribe(callerID string, symbols []string) (*marketdata.Subscription, error)
	Unsubscribe(sub *marketdata.Subscription)
	UnsubscribeCaller(callerID string) bool
	SubscribedSymbols(sub *marketdata.Subscription) []string
	Latest(symbol string) (model.Quote, error)
	History(symbol string, n int) ([]model.Tick, error)

	SubmitOrder(ctx context.Context, intent model.OrderIntent) (order.Result, error)
	CancelOrder(ctx context.Context, userID, clientKey string) (model.OrderRecord, error)
	Order(userID, clientKey string) (model.OrderRecord, error)
	Orders(userID string) []model.OrderRecord
	OrderHistory(ctx context.Context, userID string) ([]model.OrderRecord, error)

	Positions(userID string) []model.Position
	Portfolio(userID string) model.Portfolio
	SetRiskLimits(l model.RiskLimits) error
	RiskLimits(userID string) *model.RiskLimits

	Health() gateway.Health
}

// Handler serves the gateway's HTTP API.
type Handler struct {
	gw     Gateway
	logger *slog.Logger
}

func NewHandler(gw Gateway) *Handler {
	return &Handler{gw: gw, logger: slog.With("component", "api")}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions/{userID}", h.GetSession)
		r.Post("/sessions/{userID}/begin", h.BeginAuth)
		r.Post("/sessions/{userID}/complete", h.CompleteAuth)
		r.Delete("/sessions/{userID}", h.InvalidateSession)

		r.Post("/subscriptions", h.Subscribe)
		r.Delete("/subscriptions/{callerID}", h.Unsubscribe)
		r.Get("/market/{symbol}/latest", h.Latest)
		r.Get("/market/{symbol}/history", h.History)
		r.Get("/stream", h.Stream)

		r.Post("/orders", h.SubmitOrder)
		r.Get("/orders/{userID}", h.ListOrders)
		r.Get("/orders/{userID}/history", h.OrderHistory)
		r.Get("/orders/{userID}/{key}", h.GetOrder)
		r.Post("/orders/{userID}/{key}/cancel", h.CancelOrder)

		r.Get("/positions/{userID}", h.Positions)
		r.Get("/pnl/{userID}", h.PnL)

		r.Put("/limits/{userID}", h.SetLimits)
		r.Get("/limits/{userID}", h.GetLimits)
	})
}

// --- Request/Response types ---

// CompleteAuthRequest is the JSON body for completing the daily login.
type CompleteAuthRequest struct {
	RequestToken string `json:"request_token"`
}

// SubscribeRequest is the JSON body for POST /subscriptions.
type SubscribeRequest struct {
	CallerID string   `json:"caller_id"`
	Symbols  []string `json:"symbols"`
}

// SubscriptionResponse describes a market data subscription.
type SubscriptionResponse struct {
	ID       string   `json:"id"`
	CallerID string   `json:"caller_id"`
	Symbols  []string `json:"symbols"`
}

// --- Sessions ---

// GetSession handles GET /api/v1/sessions/{userID}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Session(chi.URLParam(r, "userID")))
}

// BeginAuth handles POST /api/v1/sessions/{userID}/begin
func (h *Handler) BeginAuth(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	authURL, err := h.gw.BeginDailyAuth(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "auth_url": authURL})
}

// CompleteAuth handles POST /api/v1/sessions/{userID}/complete
func (h *Handler) CompleteAuth(w http.ResponseWriter, r *http.Request) {
	var req CompleteAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestToken == "" {
		writeError(w, "request_token is required", http.StatusBadRequest)
		return
	}
	sess, err := h.gw.CompleteDailyAuth(r.Context(), chi.URLParam(r, "userID"), req.RequestToken)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// InvalidateSession handles DELETE /api/v1/sessions/{userID}
func (h *Handler) InvalidateSession(w http.ResponseWriter, r *http.Request) {
	if !h.gw.Invalidate(chi.URLParam(r, "userID")) {
		writeError(w, "no active session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Market data ---

// Subscribe handles POST /api/v1/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CallerID == "" {
		writeError(w, "caller_id is required", http.StatusBadRequest)
		return
	}
	sub, err := h.gw.Subscribe(req.CallerID, req.Symbols)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{ID: sub.ID, CallerID: sub.CallerID, Symbols: h.gw.SubscribedSymbols(sub)})
}

// Unsubscribe handles DELETE /api/v1/subscriptions/{callerID}
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if !h.gw.UnsubscribeCaller(chi.URLParam(r, "callerID")) {
		writeError(w, "subscription not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Latest handles GET /api/v1/market/{symbol}/latest
func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	q, err := h.gw.Latest(chi.URLParam(r, "symbol"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// History handles GET /api/v1/market/{symbol}/history?n=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	n := 100
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	ticks, err := h.gw.History(chi.URLParam(r, "symbol"), n)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticks)
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/orders
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var intent model.OrderIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	intent.Side = model.Side(strings.ToUpper(string(intent.Side)))
	intent.OrderType = model.OrderType(strings.ToUpper(string(intent.OrderType)))

	res, err := h.gw.SubmitOrder(r.Context(), intent)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// ListOrders handles GET /api/v1/orders/{userID}
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Orders(chi.URLParam(r, "userID")))
}

// OrderHistory handles GET /api/v1/orders/{userID}/history
func (h *Handler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	orders, err := h.gw.OrderHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{userID}/{key}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := h.gw.Order(chi.URLParam(r, "userID"), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CancelOrder handles POST /api/v1/orders/{userID}/{key}/cancel
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := h.gw.CancelOrder(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Positions and limits ---

// Positions handles GET /api/v1/positions/{userID}
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Positions(chi.URLParam(r, "userID")))
}

// PnL handles GET /api/v1/pnl/{userID}
func (h *Handler) PnL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Portfolio(chi.URLParam(r, "userID")))
}

// SetLimits handles PUT /api/v1/limits/{userID}
func (h *Handler) SetLimits(w http.ResponseWriter, r *http.Request) {
	var l model.RiskLimits
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	l.UserID = chi.URLParam(r, "userID")
	if err := h.gw.SetRiskLimits(l); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GetLimits handles GET /api/v1/limits/{userID}
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	l := h.gw.RiskLimits(chi.URLParam(r, "userID"))
	if l == nil {
		writeError(w, "no risk limits set", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Health handles GET /health. It answers 200 even when degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Health())
}

// fail maps a gateway error onto a status code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var rej *risk.Rejection
	if errors.As(err, &rej) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  rej.Error(),
			"rule":   string(rej.Rule),
			"detail": rej.Detail,
		})
		return
	}

	status := http.StatusInternalServerError
	var authErr *session.AuthError
	switch {
	case errors.Is(err, session.ErrNotAuthenticated), errors.Is(err, broker.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, session.ErrNoPendingAuth), errors.Is(err, session.ErrAuthInProgress):
		status = http.StatusConflict
	case errors.As(err, &authErr):
		status = http.StatusBadGateway
	case errors.Is(err, instrument.ErrInvalidSymbol), errors.Is(err, instrument.ErrInvalidExchange),
		errors.Is(err, instrument.ErrNoSymbols), errors.Is(err, risk.ErrInvalidLimits):
		status = http.StatusBadRequest
	case errors.Is(err, marketdata.ErrNoData), errors.Is(err, order.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, marketdata.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, order.ErrTerminal), errors.Is(err, order.ErrNotConfirmed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
