// Package api exposes the HTTP surface: the LNURL-withdraw endpoints
// wallets talk to, the provisioning endpoints the programming app talks
// to, and a health probe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"boltcard-server/internal/card"
	"boltcard-server/internal/lightning"
	"boltcard-server/internal/withdraw"
	"boltcard-server/pkg/cache"
	"boltcard-server/pkg/logger"

	"go.uber.org/zap"
)

// nodeInfoCacheKey and TTL for the health endpoint's node-info lookup,
// so probes do not hammer the Lightning node.
const (
	nodeInfoCacheKey = "node_info"
	nodeInfoCacheTTL = 30 * time.Second
)

// WithdrawService is the tap/callback flow consumed by the handlers.
type WithdrawService interface {
	Tap(ctx context.Context, req withdraw.TapRequest) (*withdraw.WithdrawRequest, error)
	Callback(ctx context.Context, token, pr string) error
}

// CardService is the provisioning flow consumed by the handlers.
type CardService interface {
	CreateCard(ctx context.Context, req card.CreateCardRequest) (*card.CreateCardResponse, error)
	Register(ctx context.Context, code string) (*card.KeysResponse, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires the services to their routes.
type Handler struct {
	withdraw WithdrawService
	cards    CardService
	db       Pinger
	backend  lightning.Backend
}

// NewHandler creates a new API handler instance.
func NewHandler(withdrawSvc WithdrawService, cardSvc CardService, db Pinger, backend lightning.Backend) *Handler {
	return &Handler{
		withdraw: withdrawSvc,
		cards:    cardSvc,
		db:       db,
		backend:  backend,
	}
}

// Router builds the request multiplexer. Literal patterns win over the
// {card_id} wildcard, so /ln/callback never reaches the tap handler.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ln", h.handleTap)
	mux.HandleFunc("GET /ln/{card_id}", h.handleTapIndexed)
	mux.HandleFunc("GET /ln/callback", h.handleCallback)
	mux.HandleFunc("GET /new", h.handleRegister)
	mux.HandleFunc("POST /api/createboltcard", h.handleCreateCard)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	return mux
}

func (h *Handler) handleTap(w http.ResponseWriter, r *http.Request) {
	h.tap(w, r, 0)
}

func (h *Handler) handleTapIndexed(w http.ResponseWriter, r *http.Request) {
	cardID, err := strconv.ParseInt(r.PathValue("card_id"), 10, 64)
	if err != nil || cardID <= 0 {
		writeError(w, http.StatusBadRequest, withdraw.ErrInvalidParam.Error())
		return
	}
	h.tap(w, r, cardID)
}

func (h *Handler) tap(w http.ResponseWriter, r *http.Request, cardID int64) {
	query := r.URL.Query()
	resp, err := h.withdraw.Tap(r.Context(), withdraw.TapRequest{
		P:      query.Get("p"),
		C:      query.Get("c"),
		CardID: cardID,
	})
	if err != nil {
		writeWithdrawError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("k1")
	pr := query.Get("pr")
	if token == "" || pr == "" {
		writeError(w, http.StatusBadRequest, withdraw.ErrInvalidParam.Error())
		return
	}

	if err := h.withdraw.Callback(r.Context(), token, pr); err != nil {
		writeWithdrawError(w, err)
		return
	}
	writeOK(w)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("a")

	resp, err := h.cards.Register(r.Context(), code)
	if err != nil {
		if errors.Is(err, card.ErrCodeInvalid) {
			writeError(w, http.StatusBadRequest, "InvalidCode")
			return
		}
		logger.Error("Registration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "InternalError")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// createCardRequest is the POST /api/createboltcard body.
type createCardRequest struct {
	CardName     string `json:"card_name"`
	TxLimitSats  int64  `json:"tx_limit_sats"`
	DayLimitSats int64  `json:"day_limit_sats"`
}

func (h *Handler) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req createCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBody")
		return
	}

	resp, err := h.cards.CreateCard(r.Context(), card.CreateCardRequest{
		CardName:     req.CardName,
		TxLimitSats:  req.TxLimitSats,
		DayLimitSats: req.DayLimitSats,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Validation failures carry their message; infrastructure
		// failures are masked.
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("Card creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "InternalError")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func isValidationError(err error) bool {
	msg := err.Error()
	return msg == "card_name is required" || msg == "limits must not be negative"
}

// healthzResponse reports readiness of the server's two dependencies.
type healthzResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Node      string `json:"node"`
	NodeAlias string `json:"node_alias,omitempty"`
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthzResponse{Status: "OK", Database: "up", Node: "up"}

	if err := h.db.Ping(ctx); err != nil {
		logger.Error("Health check: database unreachable", zap.Error(err))
		resp.Status = "ERROR"
		resp.Database = "down"
	}

	alias, err := h.nodeAlias(ctx)
	if err != nil {
		logger.Error("Health check: node unreachable", zap.Error(err))
		resp.Status = "ERROR"
		resp.Node = "down"
	} else {
		resp.NodeAlias = alias
	}

	status := http.StatusOK
	if resp.Status != "OK" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// nodeAlias fetches the node alias, going through the redis cache when
// one is connected so probes stay cheap.
func (h *Handler) nodeAlias(ctx context.Context) (string, error) {
	if cache.Client != nil {
		if cached, err := cache.Get(ctx, nodeInfoCacheKey); err == nil && cached != "" {
			return cached, nil
		}
	}

	info, err := h.backend.GetInfo(ctx)
	if err != nil {
		return "", err
	}

	if cache.Client != nil {
		_ = cache.Set(ctx, nodeInfoCacheKey, info.Alias, nodeInfoCacheTTL)
	}
	return info.Alias, nil
}
