package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"smc-trade-bot-go/internal/config"
	"smc-trade-bot-go/internal/exchange"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Binance API codes that describe a transient condition rather than a refusal.
var transientAPICodes = map[int64]bool{
	-1000: true, // unknown error
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1007: true, // timeout waiting for backend
	-1008: true, // server busy
}

// Code returned when the requested margin type is already set.
const codeNoNeedToChangeMargin = -4046

// FuturesClient adapts the USDⓈ-M futures API to exchange.MarketDataPort.
type FuturesClient struct {
	client    *futures.Client
	logger    *zap.Logger
	limiter   *rate.Limiter
	retry     exchange.RetryPolicy
	hedgeMode bool
}

var _ exchange.MarketDataPort = (*FuturesClient)(nil)

// NewFuturesClient creates a futures adapter.
func NewFuturesClient(cfg *config.Exchange, cred config.Credential, logger *zap.Logger) *FuturesClient {
	if cfg.Testnet {
		futures.UseTestnet = true
		logger.Warn("Using Binance Futures Testnet")
	}
	client := futures.NewClient(cred.ApiKey, cred.SecretKey)
	if cfg.FuturesBaseURL != "" {
		client.BaseURL = cfg.FuturesBaseURL
	}

	return &FuturesClient{
		client:  client,
		logger:  logger.Named("binance-futures"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		retry: exchange.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Timeout:    cfg.RequestTimeout,
			BaseDelay:  time.Second,
		},
		hedgeMode: cfg.HedgeMode,
	}
}

// isTransient classifies go-binance errors.
func isTransient(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return transientAPICodes[apiErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// mapError turns non-transient API errors into rejections.
func mapError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && !transientAPICodes[apiErr.Code] {
		return &exchange.RejectedError{Code: apiErr.Code, Reason: apiErr.Message}
	}
	return err
}

// call runs fn under the rate limiter and retry policy.
func (c *FuturesClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := c.retry.Do(ctx, c.logger, op, isTransient, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
		return fn(ctx)
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// GetCandles fetches futures klines, oldest first.
func (c *FuturesClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	var klines []*futures.Kline
	err := c.call(ctx, "klines", func(ctx context.Context) (err error) {
		klines, err = c.client.NewKlinesService().Symbol(venueSymbol(symbol)).Interval(interval).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s %s: %w", symbol, interval, err)
	}

	candles := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, exchange.Candle{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume:   parseFloat(k.Volume),
		})
	}
	return candles, nil
}

// GetCurrentPrice fetches the latest price.
func (c *FuturesClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var prices []*futures.SymbolPrice
	err := c.call(ctx, "price", func(ctx context.Context) (err error) {
		prices, err = c.client.NewListPricesService().Symbol(venueSymbol(symbol)).Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	for _, p := range prices {
		if exchange.SameSymbol(p.Symbol, symbol) {
			return parseFloat(p.Price), nil
		}
	}
	return 0, fmt.Errorf("no price for %s: %w", symbol, exchange.ErrInsufficientData)
}

// GetBookTicker fetches the best bid and ask.
func (c *FuturesClient) GetBookTicker(ctx context.Context, symbol string) (exchange.BookTicker, error) {
	var tickers []*futures.BookTicker
	err := c.call(ctx, "book_ticker", func(ctx context.Context) (err error) {
		tickers, err = c.client.NewListBookTickersService().Symbol(venueSymbol(symbol)).Do(ctx)
		return err
	})
	if err != nil {
		return exchange.BookTicker{}, fmt.Errorf("failed to get book ticker for %s: %w", symbol, err)
	}
	for _, t := range tickers {
		if exchange.SameSymbol(t.Symbol, symbol) {
			return exchange.BookTicker{Bid: parseFloat(t.BidPrice), Ask: parseFloat(t.AskPrice)}, nil
		}
	}
	return exchange.BookTicker{}, fmt.Errorf("no book ticker for %s: %w", symbol, exchange.ErrInsufficientData)
}

// GetInstrument reads lot size, tick size and minimum notional.
func (c *FuturesClient) GetInstrument(ctx context.Context, symbol string) (exchange.Instrument, error) {
	var info *futures.ExchangeInfo
	err := c.call(ctx, "exchange_info", func(ctx context.Context) (err error) {
		info, err = c.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return exchange.Instrument{}, fmt.Errorf("failed to get exchange info: %w", err)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if !exchange.SameSymbol(s.Symbol, symbol) {
			continue
		}
		inst := exchange.Instrument{Symbol: s.Symbol}
		if lot := s.LotSizeFilter(); lot != nil {
			inst.StepSize = parseFloat(lot.StepSize)
			inst.MinQty = parseFloat(lot.MinQuantity)
		}
		if pf := s.PriceFilter(); pf != nil {
			inst.TickSize = parseFloat(pf.TickSize)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			inst.MinNotional = parseFloat(mn.Notional)
		}
		return inst, nil
	}
	return exchange.Instrument{}, fmt.Errorf("symbol %s not listed: %w", symbol, exchange.ErrInsufficientData)
}

// Prepare applies leverage and margin type before an entry.
func (c *FuturesClient) Prepare(ctx context.Context, symbol string, leverage int, marginMode string) error {
	err := c.call(ctx, "leverage", func(ctx context.Context) error {
		_, err := c.client.NewChangeLeverageService().Symbol(venueSymbol(symbol)).Leverage(leverage).Do(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set leverage %d on %s: %w", leverage, symbol, err)
	}

	marginType := futures.MarginTypeIsolated
	if marginMode == "cross" {
		marginType = futures.MarginTypeCrossed
	}
	err = c.call(ctx, "margin_type", func(ctx context.Context) error {
		return c.client.NewChangeMarginTypeService().Symbol(venueSymbol(symbol)).MarginType(marginType).Do(ctx)
	})
	var rej *exchange.RejectedError
	if errors.As(err, &rej) && rej.Code == codeNoNeedToChangeMargin {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to set margin type on %s: %w", symbol, err)
	}
	return nil
}

// PlaceOrder submits a futures order.
func (c *FuturesClient) PlaceOrder(ctx context.Context, order exchange.OrderRequest) (exchange.OrderResult, error) {
	svc := c.client.NewCreateOrderService().
		Symbol(venueSymbol(order.Symbol)).
		Side(futures.SideType(order.Side)).
		Type(futures.OrderType(order.Type)).
		Quantity(strconv.FormatFloat(order.Quantity, 'f', -1, 64))

	if c.hedgeMode {
		svc = svc.PositionSide(positionSideType(order.PositionSide))
	} else if order.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if order.ClientOrderID != "" {
		svc = svc.NewClientOrderID(order.ClientOrderID)
	}
	if order.Type == exchange.OrderTypeLimit {
		svc = svc.Price(strconv.FormatFloat(order.Price, 'f', -1, 64)).TimeInForce(futures.TimeInForceTypeGTC)
	}

	var res *futures.CreateOrderResponse
	// Submissions are not retried: a repeated POST could open a second position.
	// Unknown outcomes are left to reconciliation.
	attempt := exchange.RetryPolicy{MaxRetries: 1, Timeout: c.retry.Timeout}
	err := attempt.Do(ctx, c.logger, "create_order", isTransient, func(ctx context.Context) (err error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		c.logger.Error("Failed to create order", zap.String("symbol", order.Symbol), zap.Error(err))
		return exchange.OrderResult{}, fmt.Errorf("failed to create order: %w", mapError(err))
	}

	return exchange.OrderResult{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Status:      exchange.OrderStatus(res.Status),
		AvgPrice:    parseFloat(res.AvgPrice),
		ExecutedQty: parseFloat(res.ExecutedQuantity),
	}, nil
}

// GetOrderStatus queries an order by id.
func (c *FuturesClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	var order *futures.Order
	err = c.call(ctx, "get_order", func(ctx context.Context) (err error) {
		order, err = c.client.NewGetOrderService().Symbol(venueSymbol(symbol)).OrderID(id).Do(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return exchange.OrderStatus(order.Status), nil
}

// CancelOrder cancels an open order.
func (c *FuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	err = c.call(ctx, "cancel_order", func(ctx context.Context) error {
		_, err := c.client.NewCancelOrderService().Symbol(venueSymbol(symbol)).OrderID(id).Do(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOpenPositions returns the non-empty positions for symbol.
func (c *FuturesClient) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	var risks []*futures.PositionRisk
	err := c.call(ctx, "position_risk", func(ctx context.Context) (err error) {
		risks, err = c.client.NewGetPositionRiskService().Symbol(venueSymbol(symbol)).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get positions for %s: %w", symbol, err)
	}

	var positions []exchange.Position
	for _, r := range risks {
		if pos, ok := positionFromRisk(r); ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// positionFromRisk maps a position risk row; empty rows are skipped.
func positionFromRisk(r *futures.PositionRisk) (exchange.Position, bool) {
	amt := parseFloat(r.PositionAmt)
	if math.Abs(amt) < 1e-12 {
		return exchange.Position{}, false
	}
	side := "long"
	switch strings.ToUpper(r.PositionSide) {
	case "SHORT":
		side = "short"
	case "LONG":
	default:
		if amt < 0 {
			side = "short"
		}
	}
	leverage, _ := strconv.Atoi(r.Leverage)
	return exchange.Position{
		Symbol:        r.Symbol,
		Side:          side,
		Quantity:      math.Abs(amt),
		EntryPrice:    parseFloat(r.EntryPrice),
		UnrealizedPnL: parseFloat(r.UnRealizedProfit),
		Leverage:      leverage,
		MarginType:    strings.ToLower(r.MarginType),
	}, true
}

// GetAccountBalance fetches futures wallet balances.
func (c *FuturesClient) GetAccountBalance(ctx context.Context) ([]exchange.Balance, error) {
	var balances []*futures.Balance
	err := c.call(ctx, "balance", func(ctx context.Context) (err error) {
		balances, err = c.client.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	out := make([]exchange.Balance, 0, len(balances))
	for _, b := range balances {
		total := parseFloat(b.Balance)
		free := parseFloat(b.AvailableBalance)
		if total == 0 {
			continue
		}
		out = append(out, exchange.Balance{Asset: b.Asset, Free: free, Locked: total - free})
	}
	return out, nil
}

func positionSideType(side string) futures.PositionSideType {
	switch side {
	case "long":
		return futures.PositionSideTypeLong
	case "short":
		return futures.PositionSideTypeShort
	}
	return futures.PositionSideTypeBoth
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
