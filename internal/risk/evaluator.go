package risk

import (
	"context"

	"vigil/internal/broker"
	"vigil/internal/market"
)

// Evaluator turns the latest market event into at most one order intent.
// Returning a nil order means "no action this cycle"; errors are reserved
// for evaluator faults, not for declining to trade.
type Evaluator interface {
	Evaluate(ctx context.Context, ev market.Event, pos *broker.Position, equity float64) (*broker.Order, error)
}
