package broker

import (
	"context"
	"sort"
	"time"

	"vigil/internal/logger"
	"vigil/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperConfig tunes the simulated back end.
type PaperConfig struct {
	StartingEquity float64
	// LiquidityFraction bounds a single fill to this share of the event's
	// volume, the liquidity proxy.
	LiquidityFraction float64
	// SpreadFraction models market friction when no direct bid/ask exists:
	// buys fill at close*(1+s), sells at close*(1-s).
	SpreadFraction float64
}

// PaperBroker simulates execution with partial fills bounded by a liquidity
// proxy. Orders never touch an exchange.
type PaperBroker struct {
	cfg PaperConfig

	equity      decimal.Decimal
	realizedPnL decimal.Decimal
	position    *Position
	working     map[string]*WorkingOrder // keyed by working-order ID
	filled      map[string]bool          // parent client IDs that produced fills

	nowFn func() time.Time
}

func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	if cfg.LiquidityFraction <= 0 || cfg.LiquidityFraction > 1 {
		cfg.LiquidityFraction = 0.10
	}
	if cfg.SpreadFraction < 0 {
		cfg.SpreadFraction = 0
	}
	return &PaperBroker{
		cfg:     cfg,
		equity:  decimal.NewFromFloat(cfg.StartingEquity),
		working: make(map[string]*WorkingOrder),
		filled:  make(map[string]bool),
		nowFn:   time.Now,
	}
}

func (p *PaperBroker) Execute(ctx context.Context, ev market.Event, ord *Order) ([]Fill, error) {
	if ord == nil {
		return nil, nil
	}
	if !p.equity.IsPositive() {
		return nil, ErrNoEquity
	}
	price := ev.Price()
	if price <= 0 {
		return nil, ErrBadPrice
	}
	if p.filled[ord.ClientID] {
		return nil, ErrDuplicateOrder
	}
	if _, queued := p.working[workingOrderID(ord.ClientID)]; queued {
		return nil, ErrDuplicateOrder
	}
	if p.position != nil {
		return nil, ErrPositionOpen
	}

	fillQty := p.fillableQty(ord.Quantity, ev.Volume())
	fillPrice := p.fillPrice(ev, ord.Side)

	var fills []Fill
	if fillQty > 0 {
		partial := fillQty < ord.Quantity
		fill := Fill{
			ID:       uuid.New().String(),
			OrderID:  ord.ClientID,
			Symbol:   ord.Symbol,
			Side:     ord.Side,
			Quantity: fillQty,
			Price:    fillPrice,
			Partial:  partial,
			Time:     p.nowFn().UTC(),
		}
		fills = append(fills, fill)
		p.filled[ord.ClientID] = true
		p.openPosition(ord, fillQty, fillPrice)
	}

	if remaining := sub(ord.Quantity, fillQty); remaining > 0 {
		wo := &WorkingOrder{
			ID:         workingOrderID(ord.ClientID),
			ParentID:   ord.ClientID,
			Symbol:     ord.Symbol,
			Side:       ord.Side,
			Requested:  ord.Quantity,
			Remaining:  remaining,
			Filled:     fillQty,
			StopLoss:   ord.StopLoss,
			TakeProfit: ord.TakeProfit,
			CreatedAt:  p.nowFn().UTC(),
		}
		p.working[wo.ID] = wo
		logger.Infof("[paper] partial fill %s qty=%.8f, working order %s remaining=%.8f",
			ord.ClientID, fillQty, wo.ID, remaining)
	}
	return fills, nil
}

func (p *PaperBroker) Maintain(ctx context.Context, ev market.Event) MaintenanceReport {
	var report MaintenanceReport
	if exit, ok := p.checkExit(ev); ok {
		report.Exits = append(report.Exits, exit)
	}
	if p.position != nil {
		return report
	}
	// Retry working orders only while flat, oldest first. Opening a position
	// from one retry blocks the rest until the next flat cycle.
	for _, wo := range p.workingByAge() {
		fillQty := p.fillableQty(wo.Remaining, ev.Volume())
		if fillQty <= 0 {
			continue
		}
		fillPrice := p.fillPrice(ev, wo.Side)
		wo.Remaining = sub(wo.Remaining, fillQty)
		wo.Filled = add(wo.Filled, fillQty)
		fill := Fill{
			ID:       uuid.New().String(),
			OrderID:  wo.ID,
			Symbol:   wo.Symbol,
			Side:     wo.Side,
			Quantity: fillQty,
			Price:    fillPrice,
			Partial:  wo.Remaining > 0,
			Time:     p.nowFn().UTC(),
		}
		report.Fills = append(report.Fills, fill)
		p.openPosition(&Order{
			Symbol:     wo.Symbol,
			Side:       wo.Side,
			StopLoss:   wo.StopLoss,
			TakeProfit: wo.TakeProfit,
		}, fillQty, fillPrice)
		if wo.Remaining <= 0 {
			delete(p.working, wo.ID)
			logger.Infof("[paper] working order %s fully filled", wo.ID)
		}
		break
	}
	return report
}

// checkExit evaluates stop-loss/take-profit against the event range. Stops
// win over targets when a single candle spans both.
func (p *PaperBroker) checkExit(ev market.Event) (ExitEvent, bool) {
	pos := p.position
	if pos == nil {
		return ExitEvent{}, false
	}
	high, low := eventRange(ev)
	if high <= 0 || low <= 0 {
		return ExitEvent{}, false
	}
	var exitPrice float64
	var reason string
	switch pos.Side {
	case "short":
		if pos.StopLoss > 0 && high >= pos.StopLoss {
			exitPrice, reason = pos.StopLoss, "stop_loss"
		} else if pos.TakeProfit > 0 && low <= pos.TakeProfit {
			exitPrice, reason = pos.TakeProfit, "take_profit"
		}
	default:
		if pos.StopLoss > 0 && low <= pos.StopLoss {
			exitPrice, reason = pos.StopLoss, "stop_loss"
		} else if pos.TakeProfit > 0 && high >= pos.TakeProfit {
			exitPrice, reason = pos.TakeProfit, "take_profit"
		}
	}
	if reason == "" {
		return ExitEvent{}, false
	}
	pnl := positionPnL(pos, exitPrice)
	p.equity = p.equity.Add(decimal.NewFromFloat(pnl))
	p.realizedPnL = p.realizedPnL.Add(decimal.NewFromFloat(pnl))
	exit := ExitEvent{
		Symbol:   pos.Symbol,
		Side:     pos.Side,
		Quantity: pos.Quantity,
		Price:    exitPrice,
		PnL:      pnl,
		Reason:   reason,
		Time:     p.nowFn().UTC(),
	}
	logger.Infof("[paper] position closed %s %s qty=%.8f price=%.4f pnl=%.4f (%s)",
		pos.Symbol, pos.Side, pos.Quantity, exitPrice, pnl, reason)
	p.position = nil
	return exit, true
}

func (p *PaperBroker) openPosition(ord *Order, qty, price float64) {
	p.position = &Position{
		Symbol:     ord.Symbol,
		Side:       ord.Side.PositionSide(),
		Quantity:   qty,
		EntryPrice: price,
		StopLoss:   ord.StopLoss,
		TakeProfit: ord.TakeProfit,
		OpenedAt:   p.nowFn().UTC(),
	}
}

func (p *PaperBroker) fillableQty(requested, volume float64) float64 {
	if requested <= 0 {
		return 0
	}
	bound := decimal.NewFromFloat(volume).Mul(decimal.NewFromFloat(p.cfg.LiquidityFraction))
	req := decimal.NewFromFloat(requested)
	if req.LessThanOrEqual(bound) {
		return requested
	}
	return dec2f(bound)
}

// fillPrice prefers a real quote; otherwise synthesizes a spread around the
// close so simulated execution never assumes perfect mid-price fills.
func (p *PaperBroker) fillPrice(ev market.Event, side Side) float64 {
	if ev.Tick != nil && ev.Tick.Bid > 0 && ev.Tick.Ask > 0 {
		if side == SideBuy {
			return ev.Tick.Ask
		}
		return ev.Tick.Bid
	}
	base := decimal.NewFromFloat(ev.Price())
	spread := decimal.NewFromFloat(p.cfg.SpreadFraction)
	if side == SideBuy {
		f, _ := base.Mul(decimal.NewFromInt(1).Add(spread)).Float64()
		return f
	}
	f, _ := base.Mul(decimal.NewFromInt(1).Sub(spread)).Float64()
	return f
}

func (p *PaperBroker) Position() *Position {
	if p.position == nil {
		return nil
	}
	cp := *p.position
	return &cp
}

func (p *PaperBroker) Equity() float64 {
	f, _ := p.equity.Float64()
	return f
}

func (p *PaperBroker) WorkingOrders() []WorkingOrder {
	out := make([]WorkingOrder, 0, len(p.working))
	for _, wo := range p.workingByAge() {
		out = append(out, *wo)
	}
	return out
}

func (p *PaperBroker) workingByAge() []*WorkingOrder {
	out := make([]*WorkingOrder, 0, len(p.working))
	for _, wo := range p.working {
		out = append(out, wo)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (p *PaperBroker) Snapshot() Snapshot {
	snap := Snapshot{
		Equity:      p.Equity(),
		RealizedPnL: dec2f(p.realizedPnL),
		Position:    p.Position(),
		Working:     p.WorkingOrders(),
		UpdatedAt:   p.nowFn().UTC(),
	}
	snap.FilledIDs = make([]string, 0, len(p.filled))
	for id := range p.filled {
		snap.FilledIDs = append(snap.FilledIDs, id)
	}
	sort.Strings(snap.FilledIDs)
	return snap
}

func (p *PaperBroker) Restore(snap Snapshot) {
	// Taken verbatim, zero included: a drained account must stay drained
	// across a restart so the equity guard keeps rejecting orders.
	p.equity = decimal.NewFromFloat(snap.Equity)
	p.realizedPnL = decimal.NewFromFloat(snap.RealizedPnL)
	if snap.Position != nil {
		cp := *snap.Position
		p.position = &cp
	}
	p.working = make(map[string]*WorkingOrder, len(snap.Working))
	for i := range snap.Working {
		wo := snap.Working[i]
		p.working[wo.ID] = &wo
	}
	p.filled = make(map[string]bool, len(snap.FilledIDs))
	for _, id := range snap.FilledIDs {
		p.filled[id] = true
	}
}

func (p *PaperBroker) Shutdown(ctx context.Context) []CancelEvent {
	events := make([]CancelEvent, 0, len(p.working))
	for _, wo := range p.workingByAge() {
		events = append(events, CancelEvent{
			WorkingOrderID: wo.ID,
			ParentID:       wo.ParentID,
			Symbol:         wo.Symbol,
			Remaining:      wo.Remaining,
			Reason:         "session shutdown",
			Time:           p.nowFn().UTC(),
		})
	}
	p.working = make(map[string]*WorkingOrder)
	return events
}

func eventRange(ev market.Event) (high, low float64) {
	if ev.Candle != nil {
		return ev.Candle.High, ev.Candle.Low
	}
	price := ev.Price()
	return price, price
}

func positionPnL(pos *Position, exitPrice float64) float64 {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(pos.Quantity)
	diff := exit.Sub(entry)
	if pos.Side == "short" {
		diff = diff.Neg()
	}
	return dec2f(diff.Mul(qty))
}

func add(a, b float64) float64 {
	return dec2f(decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)))
}

func sub(a, b float64) float64 {
	return dec2f(decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)))
}

func dec2f(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
