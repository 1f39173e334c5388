package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/execbridge/internal/bridge"
	"github.com/alanyoungcy/execbridge/internal/domain"
)

// ctxBridge records whether the context it was handed was already done.
type ctxBridge struct {
	BridgeService
	ctxErr error
	sig    domain.Signal
}

func (b *ctxBridge) ProcessSignal(ctx context.Context, sig domain.Signal) bridge.ProcessResult {
	b.ctxErr = ctx.Err()
	b.sig = sig
	if b.ctxErr != nil {
		return bridge.ProcessResult{Action: bridge.ActionError, Reason: "exchange: order: request cancelled"}
	}
	return bridge.ProcessResult{Action: bridge.ActionExecuted, Trade: &domain.ExecutedTrade{Success: true, Symbol: sig.Symbol}}
}

func (b *ctxBridge) ForceClose(ctx context.Context, id string, _ domain.CloseReason) (*domain.ExecutedTrade, bool) {
	b.ctxErr = ctx.Err()
	return &domain.ExecutedTrade{PositionID: id, Success: b.ctxErr == nil}, true
}

func (b *ctxBridge) EmergencyCloseAll(ctx context.Context) domain.CloseAllResult {
	b.ctxErr = ctx.Err()
	return domain.CloseAllResult{}
}

func cancelledRequest(method, target, body string) *http.Request {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return httptest.NewRequest(method, target, strings.NewReader(body)).WithContext(ctx)
}

func TestSubmitSignalOutlivesClient(t *testing.T) {
	fake := &ctxBridge{}
	h := NewBridgeHandler(fake, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.SubmitSignal(rec, cancelledRequest(http.MethodPost, "/api/signals",
		`{"symbol":" btcusdt ","direction":"LONG","price":100}`))

	require.NoError(t, fake.ctxErr)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "BTCUSDT", fake.sig.Symbol)
	assert.Equal(t, domain.DirectionLong, fake.sig.Direction)
	assert.Equal(t, "api", fake.sig.Source)
}

func TestClosesOutliveClient(t *testing.T) {
	fake := &ctxBridge{}
	h := NewBridgeHandler(fake, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := cancelledRequest(http.MethodPost, "/api/positions/p1/close", "")
	req.SetPathValue("id", "p1")
	rec := httptest.NewRecorder()
	h.ClosePosition(rec, req)
	require.NoError(t, fake.ctxErr)
	assert.Equal(t, http.StatusOK, rec.Code)

	fake.ctxErr = context.Canceled
	rec = httptest.NewRecorder()
	h.EmergencyClose(rec, cancelledRequest(http.MethodPost, "/api/emergency-close", ""))
	require.NoError(t, fake.ctxErr)
	assert.Equal(t, http.StatusOK, rec.Code)
}
