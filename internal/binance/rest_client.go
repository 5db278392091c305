package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/exchange"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://api.binance.com/api/v3"
	testnetBaseURL = "https://testnet.binance.vision/api/v3"
	recvWindow     = "5000" // How long a request is valid in milliseconds
)

// RestClient is a spot client for the Binance REST API.
// It implements exchange.MarketDataPort.
type RestClient struct {
	client     *resty.Client
	apiKey     string
	secretKey  string
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
}

// ensure RestClient implements the port
var _ exchange.MarketDataPort = (*RestClient)(nil)

// NewRestClient creates a new Binance spot REST API client.
func NewRestClient(cfg *config.Exchange, cred config.Credential, logger *zap.Logger) *RestClient {
	url := cfg.SpotBaseURL
	switch {
	case url != "":
	case cfg.Testnet:
		url = testnetBaseURL
		logger.Warn("Using Binance Spot Testnet")
	default:
		url = baseURL
		logger.Info("Using Binance Spot Production API")
	}

	client := resty.New().SetBaseURL(url).SetTimeout(cfg.RequestTimeout)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &RestClient{
		client:     client,
		apiKey:     cred.ApiKey,
		secretKey:  cred.SecretKey,
		logger:     logger.Named("binance-spot"),
		limiter:    limiter,
		maxRetries: maxRetries,
		backoff:    time.Second,
		timeout:    cfg.RequestTimeout,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signed adds timestamp, recvWindow and signature to params.
func (c *RestClient) signed(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))
	return params
}

// apiError is Binance's error body.
type apiError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().
		SetResult(&ServerTimeResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/time", req)
	if err != nil {
		c.logger.Error("Failed to get server time", zap.Error(err))
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	result := resp.Result().(*ServerTimeResponse)
	return result.ServerTime, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			var body apiError
			_ = json.Unmarshal(resp.Body(), &body)
			if body.Msg == "" {
				body.Msg = resp.String()
			}
			return nil, &exchange.RejectedError{Code: body.Code, Reason: fmt.Sprintf("%s: %s", resp.Status(), body.Msg)}
		}
		if i == c.maxRetries-1 {
			break
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1x, 2x, 4x
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", exchange.ErrTransient, ctx.Err())
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w: %v", c.maxRetries, exchange.ErrTransient, err)
}

// GetCandles fetches klines, oldest first.
func (c *RestClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	var rows [][]any
	req := c.client.R().
		SetQueryParams(map[string]string{
			"symbol":   venueSymbol(symbol),
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&rows)

	resp, err := c.doRequest(ctx, http.MethodGet, "/klines", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s %s: %w", symbol, interval, err)
	}
	return parseKlines(*resp.Result().(*[][]any))
}

// parseKlines converts Binance's positional kline arrays.
func parseKlines(rows [][]any) ([]exchange.Candle, error) {
	candles := make([]exchange.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline %d has %d fields", i, len(row))
		}
		openTime, ok := row[0].(float64)
		if !ok {
			return nil, fmt.Errorf("kline %d has invalid open time", i)
		}
		var vals [5]float64
		for j := 0; j < 5; j++ {
			s, ok := row[j+1].(string)
			if !ok {
				return nil, fmt.Errorf("kline %d field %d is not a string", i, j+1)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			vals[j] = v
		}
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(int64(openTime)).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return candles, nil
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetCurrentPrice fetches the latest trade price for symbol.
func (c *RestClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	req := c.client.R().
		SetQueryParam("symbol", venueSymbol(symbol)).
		SetResult(&TickerPrice{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/price", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	return strconv.ParseFloat(resp.Result().(*TickerPrice).Price, 64)
}

type bookTickerResponse struct {
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// GetBookTicker fetches the best bid and ask.
func (c *RestClient) GetBookTicker(ctx context.Context, symbol string) (exchange.BookTicker, error) {
	req := c.client.R().
		SetQueryParam("symbol", venueSymbol(symbol)).
		SetResult(&bookTickerResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/ticker/bookTicker", req)
	if err != nil {
		return exchange.BookTicker{}, fmt.Errorf("failed to get book ticker for %s: %w", symbol, err)
	}
	r := resp.Result().(*bookTickerResponse)
	bid, _ := strconv.ParseFloat(r.BidPrice, 64)
	ask, _ := strconv.ParseFloat(r.AskPrice, 64)
	return exchange.BookTicker{Bid: bid, Ask: ask}, nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Status  string   `json:"status"`
	Filters []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
type Filter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	TickSize    string `json:"tickSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// Instrument extracts the trading constraints from the symbol's filters.
func (s SymbolInfo) Instrument() exchange.Instrument {
	inst := exchange.Instrument{Symbol: s.Symbol}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			inst.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			inst.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
		case "PRICE_FILTER":
			inst.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		case "NOTIONAL", "MIN_NOTIONAL":
			inst.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}
	return inst
}

// GetInstrument fetches exchange trading rules for a symbol.
func (c *RestClient) GetInstrument(ctx context.Context, symbol string) (exchange.Instrument, error) {
	var exchangeInfo ExchangeInfoResponse

	req := c.client.R().
		SetQueryParam("symbol", venueSymbol(symbol)).
		SetResult(&exchangeInfo)

	resp, err := c.doRequest(ctx, http.MethodGet, "/exchangeInfo", req)
	if err != nil {
		return exchange.Instrument{}, fmt.Errorf("failed to get exchange info: %w", err)
	}

	info := resp.Result().(*ExchangeInfoResponse)
	for _, s := range info.Symbols {
		if exchange.SameSymbol(s.Symbol, symbol) {
			return s.Instrument(), nil
		}
	}
	return exchange.Instrument{}, fmt.Errorf("symbol %s not listed: %w", symbol, exchange.ErrInsufficientData)
}

// CreateOrderResponse represents the response from creating a new order.
type CreateOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQuantity        string `json:"origQty"`
	ExecutedQuantity    string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
}

// PlaceOrder places a new spot order. Spot cannot short, so PositionSide and
// ReduceOnly are ignored.
func (c *RestClient) PlaceOrder(ctx context.Context, order exchange.OrderRequest) (exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(order.Symbol))
	params.Set("side", order.Side)
	params.Set("type", order.Type)
	params.Set("quantity", strconv.FormatFloat(order.Quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "FULL")
	if order.ClientOrderID != "" {
		params.Set("newClientOrderId", order.ClientOrderID)
	}
	if order.Type == exchange.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(order.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signed(params).Encode()).
		SetResult(&CreateOrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, "/order", req)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
		)
		return exchange.OrderResult{}, fmt.Errorf("failed to create order: %w", err)
	}

	result := resp.Result().(*CreateOrderResponse)
	executedQty, _ := strconv.ParseFloat(result.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(result.CummulativeQuoteQty, 64)
	avgPrice := 0.0
	if executedQty > 0 {
		avgPrice = quoteQty / executedQty
	}

	c.logger.Info("Successfully created order", zap.Int64("order_id", result.OrderID), zap.String("status", result.Status))
	return exchange.OrderResult{
		OrderID:     strconv.FormatInt(result.OrderID, 10),
		Status:      exchange.OrderStatus(result.Status),
		AvgPrice:    avgPrice,
		ExecutedQty: executedQty,
	}, nil
}

type orderResponse struct {
	Status string `json:"status"`
}

// GetOrderStatus queries a previously placed order.
func (c *RestClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("orderId", orderID)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signed(params)).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/order", req)
	if err != nil {
		return "", fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return exchange.OrderStatus(resp.Result().(*orderResponse).Status), nil
}

// CancelOrder cancels an open order.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("orderId", orderID)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signed(params))

	if _, err := c.doRequest(ctx, http.MethodDelete, "/order", req); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetAccountBalance fetches every non-zero asset balance.
func (c *RestClient) GetAccountBalance(ctx context.Context) ([]exchange.Balance, error) {
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signed(url.Values{})).
		SetResult(&accountResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/account", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var balances []exchange.Balance
	for _, b := range resp.Result().(*accountResponse).Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, exchange.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// GetOpenPositions derives long positions from base-asset holdings. Spot
// holdings carry no entry price, so EntryPrice is left at zero. Balances the
// venue would not let us sell (below min qty or min notional) are dust and
// are not reported.
func (c *RestClient) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	balances, err := c.GetAccountBalance(ctx)
	if err != nil {
		return nil, err
	}
	base := exchange.BaseAsset(symbol)
	var qty float64
	for _, b := range balances {
		if b.Asset == base {
			qty = b.Total()
			break
		}
	}
	if qty <= 0 {
		return nil, nil
	}

	inst, err := c.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if qty < inst.MinQty || qty < inst.StepSize {
		return nil, nil
	}
	if inst.MinNotional > 0 {
		price, err := c.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if qty*price < inst.MinNotional {
			c.logger.Debug("Ignoring dust balance", zap.String("asset", base), zap.Float64("quantity", qty))
			return nil, nil
		}
	}

	return []exchange.Position{{
		Symbol:   venueSymbol(symbol),
		Side:     "long",
		Quantity: qty,
		Leverage: 1,
		Holding:  true,
	}}, nil
}

// venueSymbol converts the engine's symbol into Binance's concatenated form.
func venueSymbol(symbol string) string {
	return exchange.NormalizeSymbol(symbol)
}
