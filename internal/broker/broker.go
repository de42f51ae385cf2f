package broker

import (
	"context"
	"errors"

	"vigil/internal/market"
)

var (
	// ErrDuplicateOrder: the client ID already produced a fill. The
	// resubmission yields no new fill and no side effect.
	ErrDuplicateOrder = errors.New("order id already filled")
	// ErrPositionOpen: one open position per symbol is a hard invariant.
	ErrPositionOpen = errors.New("a position is already open")
	ErrNoEquity     = errors.New("equity is not positive")
	ErrBadPrice     = errors.New("event carries no positive price")
)

// MaintenanceReport is the outcome of one cycle of working-order retries and
// stop/target monitoring.
type MaintenanceReport struct {
	Fills []Fill
	Exits []ExitEvent
}

// Broker executes orders against a back end, paper or live. Implementations
// are driven by a single goroutine (the session loop) and need no locking of
// trading state.
type Broker interface {
	// Execute submits an order against the given event. Rejections come back
	// as errors from the list above; a partial fill leaves a WorkingOrder
	// behind. A nil order is a no-op.
	Execute(ctx context.Context, ev market.Event, ord *Order) ([]Fill, error)

	// Maintain runs every cycle regardless of kill switch or breaker state:
	// it evaluates stop-loss/take-profit exits and retries working orders
	// while flat.
	Maintain(ctx context.Context, ev market.Event) MaintenanceReport

	Position() *Position
	Equity() float64
	WorkingOrders() []WorkingOrder

	Snapshot() Snapshot
	Restore(Snapshot)

	// Shutdown cancels all working orders and returns one event per
	// cancellation.
	Shutdown(ctx context.Context) []CancelEvent
}
