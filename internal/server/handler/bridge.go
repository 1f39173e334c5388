package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/execbridge/internal/bridge"
	"github.com/alanyoungcy/execbridge/internal/domain"
	"github.com/alanyoungcy/execbridge/internal/reconcile"
)

// ConfirmHeader carries the real-money confirmation token on PUT /api/config.
const ConfirmHeader = "X-Confirm-Real-Money"

// BridgeService is the part of the execution bridge the API drives.
type BridgeService interface {
	Status() domain.BotStatus
	Config() bridge.Config
	Positions() []domain.Position
	Trades(limit int) []domain.ExecutedTrade
	ProcessSignal(ctx context.Context, sig domain.Signal) bridge.ProcessResult
	ForceClose(ctx context.Context, positionID string, reason domain.CloseReason) (*domain.ExecutedTrade, bool)
	EmergencyCloseAll(ctx context.Context) domain.CloseAllResult
	Reconcile(ctx context.Context) (*reconcile.Result, error)
	Reconfigure(ctx context.Context, patch bridge.Patch, confirmToken string) (bridge.Config, error)
}

// TradeHistory lists persisted trades. Optional.
type TradeHistory interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutedTrade, error)
}

// BridgeHandler serves the control API.
type BridgeHandler struct {
	bridge  BridgeService
	history TradeHistory
	logger  *slog.Logger
}

// NewBridgeHandler creates a BridgeHandler. history may be nil.
func NewBridgeHandler(b BridgeService, history TradeHistory, logger *slog.Logger) *BridgeHandler {
	return &BridgeHandler{
		bridge:  b,
		history: history,
		logger:  logger.With(slog.String("handler", "bridge")),
	}
}

// GetStatus returns the mode, uptime and counters.
// GET /api/status
func (h *BridgeHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bridge.Status())
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns the open ledger positions.
// GET /api/positions
func (h *BridgeHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.bridge.Positions()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

type listTradesResponse struct {
	Trades []domain.ExecutedTrade `json:"trades"`
	Source string                 `json:"source"`
}

// ListTrades returns executed trades, newest first. ?source=store reads the
// persisted history and honours offset.
// GET /api/trades?limit=50
func (h *BridgeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if r.URL.Query().Get("source") == "store" {
		if h.history == nil {
			writeError(w, http.StatusNotFound, "trade store not configured")
			return
		}
		trades, err := h.history.ListRecent(r.Context(), opts)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list trades failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list trades")
			return
		}
		if trades == nil {
			trades = []domain.ExecutedTrade{}
		}
		writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades, Source: "store"})
		return
	}

	trades := h.bridge.Trades(opts.Limit)
	if trades == nil {
		trades = []domain.ExecutedTrade{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades, Source: "memory"})
}

// SubmitSignal runs a signal through the bridge. Execution is detached from
// the client connection: an order sent before the caller goes away must
// still be recorded and protected.
// POST /api/signals
func (h *BridgeHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var sig domain.Signal
	if err := decodeJSON(r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	sig.Direction = domain.Direction(strings.ToLower(string(sig.Direction)))
	if sig.Source == "" {
		sig.Source = "api"
	}

	res := h.bridge.ProcessSignal(context.WithoutCancel(r.Context()), sig)
	status := http.StatusOK
	if res.Action == bridge.ActionError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

// ClosePosition force-closes one position, detached from the client like
// SubmitSignal.
// POST /api/positions/{id}/close
func (h *BridgeHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trade, ok := h.bridge.ForceClose(context.WithoutCancel(r.Context()), id, domain.CloseReasonManual)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	status := http.StatusOK
	if !trade.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, trade)
}

// EmergencyClose closes everything.
// POST /api/emergency-close
func (h *BridgeHandler) EmergencyClose(w http.ResponseWriter, r *http.Request) {
	h.logger.WarnContext(r.Context(), "handler: emergency close requested", slog.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusOK, h.bridge.EmergencyCloseAll(context.WithoutCancel(r.Context())))
}

// RunReconcile runs one reconciliation pass. Outside real-money mode it
// reports skipped.
// POST /api/reconcile
func (h *BridgeHandler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.bridge.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "reconcile failed")
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// configView renders durations as strings.
type configView struct {
	bridge.Config
	ReconcileInterval string `json:"reconcile_interval"`
	DedupTTL          string `json:"dedup_ttl"`
}

func viewOf(c bridge.Config) configView {
	return configView{Config: c, ReconcileInterval: c.ReconcileInterval.String(), DedupTTL: c.DedupTTL.String()}
}

// GetConfig returns the active bridge limits.
// GET /api/config
func (h *BridgeHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(h.bridge.Config()))
}

// configRequest is bridge.Patch with the interval as a duration string.
type configRequest struct {
	bridge.Patch
	ReconcileInterval *string `json:"reconcile_interval,omitempty"`
}

// UpdateConfig applies a partial update. Switching to real_money needs the
// confirmation token in the X-Confirm-Real-Money header.
// PUT /api/config
func (h *BridgeHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch := req.Patch
	if req.ReconcileInterval != nil {
		d, err := parseInterval(*req.ReconcileInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid reconcile_interval")
			return
		}
		patch.ReconcileInterval = &d
	}

	cfg, err := h.bridge.Reconfigure(r.Context(), patch, r.Header.Get(ConfirmHeader))
	if err != nil {
		writeError(w, configErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cfg))
}

// parseInterval accepts "90s" style durations or bare milliseconds.
func parseInterval(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func configErrorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfirmationRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, bridge.ErrEmptyPatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrExchangeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
