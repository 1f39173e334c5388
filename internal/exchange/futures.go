package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/execbridge/internal/crypto"
	"github.com/alanyoungcy/execbridge/internal/domain"
)

const (
	pathBalance       = "/fapi/v2/balance"
	pathPositionRisk  = "/fapi/v2/positionRisk"
	pathPremiumIndex  = "/fapi/v1/premiumIndex"
	pathLeverage      = "/fapi/v1/leverage"
	pathOrder         = "/fapi/v1/order"
	pathAllOpenOrders = "/fapi/v1/allOpenOrders"

	maxResponseBytes = 1 << 20
)

// FuturesConfig configures a FuturesClient.
type FuturesConfig struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	RecvWindowMs      int64
	RequestTimeout    time.Duration
	QuantityPrecision int32
	PricePrecision    int32
	Safety            SafetyConfig
}

// FuturesClient is the REST adapter for a USD-margined perpetual futures API.
// Every signed request carries a millisecond timestamp and recvWindow and is
// signed with hex HMAC-SHA256 over the sorted query.
type FuturesClient struct {
	baseURL        string
	signer         *crypto.RequestSigner
	recvWindowMs   int64
	timeout        time.Duration
	qtyPrecision   int32
	pricePrecision int32
	safety         SafetyConfig
	throttle       Throttle
	httpClient     *http.Client
	scrub          scrubber
	logger         *slog.Logger
	ready          atomic.Bool
}

// NewFuturesClient creates a FuturesClient. A nil throttle uses a local gate
// with DefaultCancelInterval.
func NewFuturesClient(cfg FuturesConfig, throttle Throttle, logger *slog.Logger) *FuturesClient {
	if throttle == nil {
		throttle = NewLocalThrottle(DefaultCancelInterval)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FuturesClient{
		baseURL:        cfg.BaseURL,
		signer:         crypto.NewRequestSigner(cfg.APIKey, cfg.APISecret),
		recvWindowMs:   cfg.RecvWindowMs,
		timeout:        timeout,
		qtyPrecision:   cfg.QuantityPrecision,
		pricePrecision: cfg.PricePrecision,
		safety:         cfg.Safety,
		throttle:       throttle,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		scrub:          scrubber{secrets: []string{cfg.APIKey, cfg.APISecret}},
		logger:         logger.With(slog.String("component", "exchange")),
	}
}

// Initialize checks credentials and safety flags, then verifies the key
// against the balance endpoint.
func (c *FuturesClient) Initialize(ctx context.Context) error {
	if !c.signer.HasCredentials() {
		return ErrMissingCredentials
	}
	if c.safety.EmergencyStop || !c.safety.TradingEnabled {
		return ErrTradingDisabled
	}
	if _, err := c.fetchBalance(ctx); err != nil {
		return fmt.Errorf("exchange: verify credentials: %w", err)
	}
	c.ready.Store(true)
	c.logger.InfoContext(ctx, "exchange: client initialized",
		slog.String("base_url", c.baseURL),
		slog.String("signer", c.signer.String()),
	)
	return nil
}

// Ready reports whether Initialize succeeded.
func (c *FuturesClient) Ready() bool {
	return c.ready.Load()
}

// Close wipes the signing secret.
func (c *FuturesClient) Close() {
	c.ready.Store(false)
	c.signer.Wipe()
}

// ValidateOrder applies the configured safety limits.
func (c *FuturesClient) ValidateOrder(req domain.OrderRequest, currentPrice float64) error {
	return ValidateOrder(c.safety, req, currentPrice)
}

// GetBalance returns the futures wallet balances.
func (c *FuturesClient) GetBalance(ctx context.Context) ([]domain.Balance, error) {
	if !c.Ready() {
		return nil, domain.ErrNotInitialized
	}
	return c.fetchBalance(ctx)
}

func (c *FuturesClient) fetchBalance(ctx context.Context) ([]domain.Balance, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, pathBalance, url.Values{}, "get balance")
	if err != nil {
		return nil, err
	}
	var raw []balanceResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &SafeError{Op: "get balance", Message: "malformed response"}
	}
	out := make([]domain.Balance, 0, len(raw))
	for _, b := range raw {
		out = append(out, domain.Balance{
			Asset:     b.Asset,
			Total:     b.Balance.InexactFloat64(),
			Available: b.AvailableBalance.InexactFloat64(),
		})
	}
	return out, nil
}

// GetOpenPositions returns every non-zero position.
func (c *FuturesClient) GetOpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	if !c.Ready() {
		return nil, domain.ErrNotInitialized
	}
	body, err := c.doSignedRequest(ctx, http.MethodGet, pathPositionRisk, url.Values{}, "get positions")
	if err != nil {
		return nil, err
	}
	var raw []positionRiskResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &SafeError{Op: "get positions", Message: "malformed response"}
	}

	out := make([]domain.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		if p.PositionAmt.IsZero() {
			continue
		}
		side := domain.DirectionLong
		qty := p.PositionAmt
		switch {
		case p.PositionSide == "SHORT":
			side = domain.DirectionShort
			qty = qty.Abs()
		case qty.IsNegative():
			side = domain.DirectionShort
			qty = qty.Neg()
		}
		out = append(out, domain.ExchangePosition{
			Symbol:           p.Symbol,
			Side:             side,
			Quantity:         qty.InexactFloat64(),
			EntryPrice:       p.EntryPrice.InexactFloat64(),
			MarkPrice:        p.MarkPrice.InexactFloat64(),
			Leverage:         int(p.Leverage.IntPart()),
			LiquidationPrice: p.LiquidationPrice.InexactFloat64(),
		})
	}
	return out, nil
}

// GetMarkPrice returns the current mark price. It is a public endpoint and
// needs no credentials.
func (c *FuturesClient) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{"symbol": {symbol}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathPremiumIndex+"?"+params.Encode(), nil)
	if err != nil {
		return 0, &SafeError{Op: "get mark price", Message: "invalid request"}
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "get mark price")
	if err != nil {
		return 0, err
	}
	var resp premiumIndexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &SafeError{Op: "get mark price", Message: "malformed response"}
	}
	price := resp.MarkPrice.InexactFloat64()
	if price <= 0 {
		return 0, &SafeError{Op: "get mark price", Message: "no mark price for " + symbol}
	}
	return price, nil
}

// SetLeverage applies min(leverage, MaxLeverage), at least 1.
func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	if !c.Ready() {
		return 0, domain.ErrNotInitialized
	}
	capped := leverage
	if c.safety.MaxLeverage > 0 && capped > c.safety.MaxLeverage {
		capped = c.safety.MaxLeverage
	}
	if capped < 1 {
		capped = 1
	}

	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(capped)},
	}
	body, err := c.doSignedRequest(ctx, http.MethodPost, pathLeverage, params, "set leverage")
	if err != nil {
		return 0, err
	}
	var resp leverageResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Leverage > 0 {
		capped = resp.Leverage
	}
	return capped, nil
}

// PlaceMarketOrder validates, sets leverage and submits a market order.
func (c *FuturesClient) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if !c.Ready() {
		return domain.OrderResult{}, domain.ErrNotInitialized
	}

	price := req.Price
	if price <= 0 && !req.ReduceOnly {
		p, err := c.GetMarkPrice(ctx, req.Symbol)
		if err != nil {
			return failed(err), nil
		}
		price = p
	}
	if err := c.ValidateOrder(req, price); err != nil {
		return failed(err), nil
	}
	qty, err := c.formatQuantity(req.Quantity)
	if err != nil {
		return failed(err), nil
	}
	if !req.ReduceOnly && req.Leverage > 0 {
		if _, err := c.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return failed(err), nil
		}
	}

	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {string(req.Side)},
		"type":             {"MARKET"},
		"quantity":         {qty},
		"newOrderRespType": {"RESULT"},
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	return c.submitOrder(ctx, "place market order", params), nil
}

// ClosePosition reduces the dir position on symbol by qty, or fully when
// qty is zero.
func (c *FuturesClient) ClosePosition(ctx context.Context, symbol string, dir domain.Direction, qty float64) (domain.OrderResult, error) {
	if !c.Ready() {
		return domain.OrderResult{}, domain.ErrNotInitialized
	}
	if qty <= 0 {
		positions, err := c.GetOpenPositions(ctx)
		if err != nil {
			return failed(err), nil
		}
		for _, p := range positions {
			if p.Symbol == symbol && p.Side == dir {
				qty = p.Quantity
				break
			}
		}
		if qty <= 0 {
			return domain.OrderResult{Error: fmt.Sprintf("no open %s position for %s", dir, symbol)}, nil
		}
	}
	return c.PlaceMarketOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       domain.ExitSide(dir),
		Quantity:   qty,
		ReduceOnly: true,
	})
}

// PlaceStopOrder places a reduce-only STOP_MARKET triggered on mark price.
func (c *FuturesClient) PlaceStopOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if !c.Ready() {
		return domain.OrderResult{}, domain.ErrNotInitialized
	}
	if req.Price <= 0 {
		return failed(&ValidationError{Field: "price", Reason: "stop price must be positive"}), nil
	}
	req.ReduceOnly = true
	if err := c.ValidateOrder(req, req.Price); err != nil {
		return failed(err), nil
	}
	qty, err := c.formatQuantity(req.Quantity)
	if err != nil {
		return failed(err), nil
	}

	params := url.Values{
		"symbol":      {req.Symbol},
		"side":        {string(req.Side)},
		"type":        {"STOP_MARKET"},
		"quantity":    {qty},
		"stopPrice":   {c.formatPrice(req.Price)},
		"reduceOnly":  {"true"},
		"workingType": {"MARK_PRICE"},
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	return c.submitOrder(ctx, "place stop order", params), nil
}

// PlaceTrailingStopOrder places a reduce-only TRAILING_STOP_MARKET with the
// given callback rate in percent.
func (c *FuturesClient) PlaceTrailingStopOrder(ctx context.Context, req domain.OrderRequest, activationPrice, callbackRate float64) (domain.OrderResult, error) {
	if !c.Ready() {
		return domain.OrderResult{}, domain.ErrNotInitialized
	}
	if callbackRate < 0.1 || callbackRate > 5 {
		return failed(&ValidationError{Field: "callback_rate", Reason: "callback rate must be 0.1-5 percent"}), nil
	}
	req.ReduceOnly = true
	if err := c.ValidateOrder(req, activationPrice); err != nil {
		return failed(err), nil
	}
	qty, err := c.formatQuantity(req.Quantity)
	if err != nil {
		return failed(err), nil
	}

	params := url.Values{
		"symbol":       {req.Symbol},
		"side":         {string(req.Side)},
		"type":         {"TRAILING_STOP_MARKET"},
		"quantity":     {qty},
		"callbackRate": {decimal.NewFromFloat(callbackRate).Round(1).String()},
		"reduceOnly":   {"true"},
		"workingType":  {"MARK_PRICE"},
	}
	if activationPrice > 0 {
		params.Set("activationPrice", c.formatPrice(activationPrice))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	return c.submitOrder(ctx, "place trailing stop", params), nil
}

// CancelOrder cancels by exchange order id, or by client order id when the
// id is not numeric. Every cancel first waits on the throttle.
func (c *FuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if !c.Ready() {
		return domain.ErrNotInitialized
	}
	if err := c.throttle.Wait(ctx); err != nil {
		return fmt.Errorf("exchange: cancel throttle: %w", err)
	}

	params := url.Values{"symbol": {symbol}}
	if _, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", orderID)
	}
	if _, err := c.doSignedRequest(ctx, http.MethodDelete, pathOrder, params, "cancel order"); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "exchange: order cancelled",
		slog.String("symbol", symbol),
		slog.String("order_id", orderID),
	)
	return nil
}

func (c *FuturesClient) cancelAll(ctx context.Context, symbol string) error {
	if err := c.throttle.Wait(ctx); err != nil {
		return fmt.Errorf("exchange: cancel throttle: %w", err)
	}
	_, err := c.doSignedRequest(ctx, http.MethodDelete, pathAllOpenOrders, url.Values{"symbol": {symbol}}, "cancel all orders")
	return err
}

// EmergencyCloseAll cancels open orders and market-closes every position
// the exchange reports. With nothing open it returns {0, 0}.
func (c *FuturesClient) EmergencyCloseAll(ctx context.Context) (domain.CloseAllResult, error) {
	if !c.Ready() {
		return domain.CloseAllResult{}, domain.ErrNotInitialized
	}
	positions, err := c.GetOpenPositions(ctx)
	if err != nil {
		return domain.CloseAllResult{}, err
	}

	var res domain.CloseAllResult
	for _, p := range positions {
		if err := c.cancelAll(ctx, p.Symbol); err != nil {
			c.logger.WarnContext(ctx, "exchange: cancel open orders failed",
				slog.String("symbol", p.Symbol),
				slog.String("error", SafeMessage(err)),
			)
		}
		out, err := c.ClosePosition(ctx, p.Symbol, p.Side, p.Quantity)
		if err != nil || !out.Success {
			res.Failed++
			c.logger.ErrorContext(ctx, "exchange: emergency close failed",
				slog.String("symbol", p.Symbol),
				slog.String("side", string(p.Side)),
				slog.String("error", out.Error),
			)
			continue
		}
		res.Closed++
	}
	c.logger.WarnContext(ctx, "exchange: emergency close complete",
		slog.Int("closed", res.Closed),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *FuturesClient) submitOrder(ctx context.Context, op string, params url.Values) domain.OrderResult {
	body, err := c.doSignedRequest(ctx, http.MethodPost, pathOrder, params, op)
	if err != nil {
		c.logger.WarnContext(ctx, "exchange: order rejected",
			slog.String("op", op),
			slog.String("symbol", params.Get("symbol")),
			slog.String("error", SafeMessage(err)),
		)
		return failed(err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// The order may still have been accepted.
		return failed(&SafeError{Op: op, Message: "malformed order response"})
	}
	orderID := strconv.FormatInt(resp.OrderID, 10)
	c.logger.InfoContext(ctx, "exchange: order placed",
		slog.String("op", op),
		slog.String("symbol", params.Get("symbol")),
		slog.String("side", params.Get("side")),
		slog.String("quantity", params.Get("quantity")),
		slog.String("order_id", orderID),
	)
	return domain.OrderResult{
		Success:     true,
		OrderID:     orderID,
		FilledPrice: resp.AvgPrice.InexactFloat64(),
	}
}

// doSignedRequest signs params and sends them as the query string. The URL
// carries the signature, so it is never logged or wrapped into an error.
func (c *FuturesClient) doSignedRequest(ctx context.Context, method, path string, params url.Values, op string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := c.signer.SignParams(params, c.recvWindowMs)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, &SafeError{Op: op, Message: "invalid request"}
	}
	req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
	req.Header.Set("Accept", "application/json")

	return c.do(req, op)
}

func (c *FuturesClient) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.scrub.transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.scrub.transportError(op, err)
	}
	if err := c.checkStatus(op, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps non-2xx HTTP status codes to a SafeError built from the
// decoded code and msg fields only.
func (c *FuturesClient) checkStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	return c.scrub.statusError(op, statusCode, apiErr.Code, apiErr.Msg)
}

func (c *FuturesClient) formatQuantity(q float64) (string, error) {
	d := decimal.NewFromFloat(q).Truncate(c.qtyPrecision)
	if !d.IsPositive() {
		return "", &ValidationError{Field: "quantity", Reason: "quantity below exchange precision"}
	}
	return d.String(), nil
}

func (c *FuturesClient) formatPrice(p float64) string {
	return decimal.NewFromFloat(p).Round(c.pricePrecision).String()
}

func failed(err error) domain.OrderResult {
	return domain.OrderResult{Success: false, Error: SafeMessage(err)}
}

var _ Client = (*FuturesClient)(nil)
