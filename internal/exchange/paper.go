package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// PaperBroker serves market data from a live port but fills orders locally at
// the current price. It backs dry-run mode.
type PaperBroker struct {
	market MarketDataPort
	quote  string

	mu        sync.Mutex
	cash      float64
	positions map[string]*Position // normalized symbol + side
	orders    map[string]OrderStatus
}

var _ MarketDataPort = (*PaperBroker)(nil)

// NewPaperBroker creates a simulated account holding startingCash of quote.
func NewPaperBroker(market MarketDataPort, quote string, startingCash float64) *PaperBroker {
	return &PaperBroker{
		market:    market,
		quote:     quote,
		cash:      startingCash,
		positions: make(map[string]*Position),
		orders:    make(map[string]OrderStatus),
	}
}

func (p *PaperBroker) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	return p.market.GetCandles(ctx, symbol, interval, limit)
}

// Restore rebuilds the account from persisted state so that a new process
// sees the positions an earlier one opened. Entry orders are reported as
// filled and realized is added to the cash balance.
func (p *PaperBroker) Restore(positions []Position, filledOrders []string, realized float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range positions {
		if pos.Quantity <= 0 {
			continue
		}
		key := NormalizeSymbol(pos.Symbol) + "_" + pos.Side
		if held, ok := p.positions[key]; ok {
			cost := held.EntryPrice*held.Quantity + pos.EntryPrice*pos.Quantity
			held.Quantity += pos.Quantity
			held.EntryPrice = cost / held.Quantity
			held.UnrealizedPnL += pos.UnrealizedPnL
			continue
		}
		restored := pos
		p.positions[key] = &restored
	}
	for _, id := range filledOrders {
		p.orders[id] = StatusFilled
	}
	p.cash += realized
}

// GetCurrentPrice also marks the simulated positions in symbol to market.
func (p *PaperBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := p.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		if SameSymbol(pos.Symbol, symbol) {
			sign := 1.0
			if pos.Side == "short" {
				sign = -1
			}
			pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Quantity * sign
		}
	}
	return price, nil
}

func (p *PaperBroker) GetBookTicker(ctx context.Context, symbol string) (BookTicker, error) {
	return p.market.GetBookTicker(ctx, symbol)
}

func (p *PaperBroker) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	return p.market.GetInstrument(ctx, symbol)
}

// PlaceOrder fills market orders immediately. Limit orders are not simulated.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Type != OrderTypeMarket {
		return OrderResult{}, &RejectedError{Reason: "paper broker only fills market orders"}
	}
	if req.Quantity <= 0 {
		return OrderResult{}, &RejectedError{Reason: "quantity must be positive"}
	}
	price, err := p.market.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	side := req.PositionSide
	if side == "" {
		side = "long"
		if req.Side == OrderSideSell && !req.ReduceOnly {
			side = "short"
		}
	}
	key := NormalizeSymbol(req.Symbol) + "_" + side
	pos := p.positions[key]

	opening := (side == "long" && req.Side == OrderSideBuy) || (side == "short" && req.Side == OrderSideSell)
	if opening {
		if pos == nil {
			pos = &Position{Symbol: req.Symbol, Side: side}
			p.positions[key] = pos
		}
		cost := pos.EntryPrice*pos.Quantity + price*req.Quantity
		pos.Quantity += req.Quantity
		pos.EntryPrice = cost / pos.Quantity
	} else {
		if pos == nil || pos.Quantity+1e-12 < req.Quantity {
			return OrderResult{}, &RejectedError{Reason: "no position to reduce"}
		}
		sign := 1.0
		if side == "short" {
			sign = -1
		}
		p.cash += (price - pos.EntryPrice) * req.Quantity * sign
		pos.Quantity -= req.Quantity
		if math.Abs(pos.Quantity) < 1e-12 {
			delete(p.positions, key)
		}
	}

	id := strconv.FormatUint(uint64(uuid.New().ID()), 10)
	p.orders[id] = StatusFilled
	return OrderResult{OrderID: id, Status: StatusFilled, AvgPrice: price, ExecutedQty: req.Quantity}, nil
}

func (p *PaperBroker) GetOrderStatus(_ context.Context, _ string, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[orderID]
	if !ok {
		return "", &RejectedError{Reason: fmt.Sprintf("unknown order %s", orderID)}
	}
	return st, nil
}

func (p *PaperBroker) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.orders[orderID]; ok && st == StatusNew {
		p.orders[orderID] = StatusCanceled
	}
	return nil
}

func (p *PaperBroker) GetOpenPositions(_ context.Context, symbol string) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Position
	for _, pos := range p.positions {
		if symbol == "" || SameSymbol(pos.Symbol, symbol) {
			out = append(out, *pos)
		}
	}
	return out, nil
}

func (p *PaperBroker) GetAccountBalance(context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []Balance{{Asset: p.quote, Free: p.cash}}, nil
}
