package broker

import (
	"time"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// PositionSide maps an order side onto the resulting exposure.
func (s Side) PositionSide() string {
	if s == SideSell {
		return "short"
	}
	return "long"
}

type EntryType string

const (
	EntryMarket EntryType = "market"
)

// Order is what the risk/signal evaluator hands the session. ClientID is the
// idempotency key: once any fill has been produced for it, resubmission is a
// no-op.
type Order struct {
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Type           EntryType `json:"type"`
	Quantity       float64   `json:"quantity"`
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	EquityAtSubmit float64   `json:"equity_at_submit"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewOrder(symbol string, side Side, qty, stopLoss, takeProfit, equity float64) *Order {
	return &Order{
		ClientID:       uuid.New().String(),
		Symbol:         symbol,
		Side:           side,
		Type:           EntryMarket,
		Quantity:       qty,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		EquityAtSubmit: equity,
		CreatedAt:      time.Now().UTC(),
	}
}

// Fill is immutable once produced.
type Fill struct {
	ID       string    `json:"id"`
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Partial  bool      `json:"partial"`
	Time     time.Time `json:"time"`
}

// WorkingOrder is the unfilled remainder of a partially filled Order. It
// owns a derived identifier, never expires on its own, and is retried each
// cycle only while no Position is open.
type WorkingOrder struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Requested  float64   `json:"requested"`
	Remaining  float64   `json:"remaining"`
	Filled     float64   `json:"filled"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	CreatedAt  time.Time `json:"created_at"`
}

func workingOrderID(parentID string) string { return parentID + "/wo" }

// Position: at most one open per traded symbol, a hard invariant enforced in
// Execute.
type Position struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // "long" | "short"
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	OpenedAt   time.Time `json:"opened_at"`
}

// ExitEvent records a position (partially or fully) closed by stop-loss,
// take-profit or shutdown, with realized PnL.
type ExitEvent struct {
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	PnL      float64   `json:"pnl"`
	Reason   string    `json:"reason"`
	Time     time.Time `json:"time"`
}

// CancelEvent records one working order cancelled during shutdown.
type CancelEvent struct {
	WorkingOrderID string    `json:"working_order_id"`
	ParentID       string    `json:"parent_id"`
	Symbol         string    `json:"symbol"`
	Remaining      float64   `json:"remaining"`
	Reason         string    `json:"reason"`
	Time           time.Time `json:"time"`
}

// Snapshot is the broker state persisted through the state manager every
// cycle and restored on startup.
type Snapshot struct {
	Equity      float64        `json:"equity"`
	RealizedPnL float64        `json:"realized_pnl"`
	Position    *Position      `json:"position,omitempty"`
	Working     []WorkingOrder `json:"working,omitempty"`
	FilledIDs   []string       `json:"filled_ids,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
