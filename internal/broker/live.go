package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"vigil/internal/logger"
	"vigil/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiveConfig describes the exchange-backed broker.
type LiveConfig struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	StartingEquity float64
	QuantityScale  int32 // decimal places for order quantities
}

// LiveBroker delegates execution to Binance futures. Fill quantities come
// from the exchange response, so partial fills are whatever the venue
// reports; the working-order and idempotency semantics are enforced locally
// in front of the exchange call.
type LiveBroker struct {
	cfg    LiveConfig
	client *futures.Client

	equity      decimal.Decimal
	realizedPnL decimal.Decimal
	position    *Position
	working     map[string]*WorkingOrder
	filled      map[string]bool

	nowFn func() time.Time
}

func NewLiveBroker(cfg LiveConfig) (*LiveBroker, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("live broker requires api credentials")
	}
	if cfg.QuantityScale <= 0 {
		cfg.QuantityScale = 8
	}
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &LiveBroker{
		cfg:     cfg,
		client:  client,
		equity:  decimal.NewFromFloat(cfg.StartingEquity),
		working: make(map[string]*WorkingOrder),
		filled:  make(map[string]bool),
		nowFn:   time.Now,
	}, nil
}

func (l *LiveBroker) Execute(ctx context.Context, ev market.Event, ord *Order) ([]Fill, error) {
	if ord == nil {
		return nil, nil
	}
	if !l.equity.IsPositive() {
		return nil, ErrNoEquity
	}
	if ev.Price() <= 0 {
		return nil, ErrBadPrice
	}
	if l.filled[ord.ClientID] {
		return nil, ErrDuplicateOrder
	}
	if _, queued := l.working[workingOrderID(ord.ClientID)]; queued {
		return nil, ErrDuplicateOrder
	}
	if l.position != nil {
		return nil, ErrPositionOpen
	}

	execQty, avgPrice, err := l.placeMarket(ctx, ord.Symbol, ord.Side, ord.Quantity, ord.ClientID)
	if err != nil {
		return nil, fmt.Errorf("live order %s failed: %w", ord.ClientID, err)
	}

	var fills []Fill
	if execQty > 0 {
		fill := Fill{
			ID:       uuid.New().String(),
			OrderID:  ord.ClientID,
			Symbol:   ord.Symbol,
			Side:     ord.Side,
			Quantity: execQty,
			Price:    avgPrice,
			Partial:  execQty < ord.Quantity,
			Time:     l.nowFn().UTC(),
		}
		fills = append(fills, fill)
		l.filled[ord.ClientID] = true
		l.position = &Position{
			Symbol:     ord.Symbol,
			Side:       ord.Side.PositionSide(),
			Quantity:   execQty,
			EntryPrice: avgPrice,
			StopLoss:   ord.StopLoss,
			TakeProfit: ord.TakeProfit,
			OpenedAt:   l.nowFn().UTC(),
		}
	}
	if remaining := sub(ord.Quantity, execQty); remaining > 0 {
		wo := &WorkingOrder{
			ID:         workingOrderID(ord.ClientID),
			ParentID:   ord.ClientID,
			Symbol:     ord.Symbol,
			Side:       ord.Side,
			Requested:  ord.Quantity,
			Remaining:  remaining,
			Filled:     execQty,
			StopLoss:   ord.StopLoss,
			TakeProfit: ord.TakeProfit,
			CreatedAt:  l.nowFn().UTC(),
		}
		l.working[wo.ID] = wo
		logger.Infof("[live] exchange reported partial fill %s qty=%.8f remaining=%.8f",
			ord.ClientID, execQty, remaining)
	}
	return fills, nil
}

func (l *LiveBroker) Maintain(ctx context.Context, ev market.Event) MaintenanceReport {
	var report MaintenanceReport
	if exit, ok := l.checkExit(ctx, ev); ok {
		report.Exits = append(report.Exits, exit)
	}
	if l.position != nil {
		return report
	}
	for _, wo := range liveWorkingByAge(l.working) {
		execQty, avgPrice, err := l.placeMarket(ctx, wo.Symbol, wo.Side, wo.Remaining, wo.ID+"-"+strconv.FormatInt(l.nowFn().Unix(), 10))
		if err != nil {
			logger.Warnf("[live] working order %s retry failed: %v", wo.ID, err)
			continue
		}
		if execQty <= 0 {
			continue
		}
		wo.Remaining = sub(wo.Remaining, execQty)
		wo.Filled = add(wo.Filled, execQty)
		report.Fills = append(report.Fills, Fill{
			ID:       uuid.New().String(),
			OrderID:  wo.ID,
			Symbol:   wo.Symbol,
			Side:     wo.Side,
			Quantity: execQty,
			Price:    avgPrice,
			Partial:  wo.Remaining > 0,
			Time:     l.nowFn().UTC(),
		})
		l.position = &Position{
			Symbol:     wo.Symbol,
			Side:       wo.Side.PositionSide(),
			Quantity:   execQty,
			EntryPrice: avgPrice,
			StopLoss:   wo.StopLoss,
			TakeProfit: wo.TakeProfit,
			OpenedAt:   l.nowFn().UTC(),
		}
		if wo.Remaining <= 0 {
			delete(l.working, wo.ID)
		}
		break
	}
	return report
}

func (l *LiveBroker) checkExit(ctx context.Context, ev market.Event) (ExitEvent, bool) {
	pos := l.position
	if pos == nil {
		return ExitEvent{}, false
	}
	high, low := eventRange(ev)
	if high <= 0 || low <= 0 {
		return ExitEvent{}, false
	}
	var reason string
	switch pos.Side {
	case "short":
		if pos.StopLoss > 0 && high >= pos.StopLoss {
			reason = "stop_loss"
		} else if pos.TakeProfit > 0 && low <= pos.TakeProfit {
			reason = "take_profit"
		}
	default:
		if pos.StopLoss > 0 && low <= pos.StopLoss {
			reason = "stop_loss"
		} else if pos.TakeProfit > 0 && high >= pos.TakeProfit {
			reason = "take_profit"
		}
	}
	if reason == "" {
		return ExitEvent{}, false
	}
	closeSide := SideSell
	if pos.Side == "short" {
		closeSide = SideBuy
	}
	execQty, avgPrice, err := l.placeMarket(ctx, pos.Symbol, closeSide, pos.Quantity, "close-"+uuid.New().String())
	if err != nil || execQty <= 0 {
		logger.Errorf("[live] position close failed (%s): %v", reason, err)
		return ExitEvent{}, false
	}
	pnl := positionPnL(pos, avgPrice)
	l.equity = l.equity.Add(decimal.NewFromFloat(pnl))
	l.realizedPnL = l.realizedPnL.Add(decimal.NewFromFloat(pnl))
	exit := ExitEvent{
		Symbol:   pos.Symbol,
		Side:     pos.Side,
		Quantity: pos.Quantity,
		Price:    avgPrice,
		PnL:      pnl,
		Reason:   reason,
		Time:     l.nowFn().UTC(),
	}
	l.position = nil
	return exit, true
}

// placeMarket submits one market order and reports the executed quantity
// and average price from the exchange response.
func (l *LiveBroker) placeMarket(ctx context.Context, symbol string, side Side, qty float64, clientID string) (float64, float64, error) {
	if qty <= 0 {
		return 0, 0, nil
	}
	binSide := futures.SideTypeBuy
	if side == SideSell {
		binSide = futures.SideTypeSell
	}
	qtyStr := decimal.NewFromFloat(qty).Round(l.cfg.QuantityScale).String()
	resp, err := l.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binSide).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return 0, 0, err
	}
	executed := parseQty(resp.ExecutedQuantity)
	avg := parseQty(resp.AvgPrice)
	return executed, avg, nil
}

func (l *LiveBroker) Position() *Position {
	if l.position == nil {
		return nil
	}
	cp := *l.position
	return &cp
}

func (l *LiveBroker) Equity() float64 { return dec2f(l.equity) }

func (l *LiveBroker) WorkingOrders() []WorkingOrder {
	out := make([]WorkingOrder, 0, len(l.working))
	for _, wo := range liveWorkingByAge(l.working) {
		out = append(out, *wo)
	}
	return out
}

func (l *LiveBroker) Snapshot() Snapshot {
	snap := Snapshot{
		Equity:      l.Equity(),
		RealizedPnL: dec2f(l.realizedPnL),
		Position:    l.Position(),
		Working:     l.WorkingOrders(),
		UpdatedAt:   l.nowFn().UTC(),
	}
	snap.FilledIDs = make([]string, 0, len(l.filled))
	for id := range l.filled {
		snap.FilledIDs = append(snap.FilledIDs, id)
	}
	sort.Strings(snap.FilledIDs)
	return snap
}

func (l *LiveBroker) Restore(snap Snapshot) {
	l.equity = decimal.NewFromFloat(snap.Equity)
	l.realizedPnL = decimal.NewFromFloat(snap.RealizedPnL)
	if snap.Position != nil {
		cp := *snap.Position
		l.position = &cp
	}
	l.working = make(map[string]*WorkingOrder, len(snap.Working))
	for i := range snap.Working {
		wo := snap.Working[i]
		l.working[wo.ID] = &wo
	}
	l.filled = make(map[string]bool, len(snap.FilledIDs))
	for _, id := range snap.FilledIDs {
		l.filled[id] = true
	}
}

func (l *LiveBroker) Shutdown(ctx context.Context) []CancelEvent {
	events := make([]CancelEvent, 0, len(l.working))
	for _, wo := range liveWorkingByAge(l.working) {
		events = append(events, CancelEvent{
			WorkingOrderID: wo.ID,
			ParentID:       wo.ParentID,
			Symbol:         wo.Symbol,
			Remaining:      wo.Remaining,
			Reason:         "session shutdown",
			Time:           l.nowFn().UTC(),
		})
	}
	l.working = make(map[string]*WorkingOrder)
	return events
}

func liveWorkingByAge(m map[string]*WorkingOrder) []*WorkingOrder {
	out := make([]*WorkingOrder, 0, len(m))
	for _, wo := range m {
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

func parseQty(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
