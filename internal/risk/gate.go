package risk

import (
	"context"
	"fmt"

	"vigil/internal/broker"
	"vigil/internal/logger"
	"vigil/internal/market"
)

// Rejection is a risk veto of a candidate order. It names the rule and is
// logged, journaled and counted, but never stops the session.
type Rejection struct {
	Rule   string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejection (%s): %s", r.Rule, r.Detail)
}

// Gate wraps an Evaluator and vetoes intents that violate the configured
// risk rules. The reward-to-risk threshold has no built-in default; it must
// come from validated configuration.
type Gate struct {
	inner         Evaluator
	minRiskReward float64

	onReject func(ord *broker.Order, rej *Rejection)
}

func NewGate(inner Evaluator, minRiskReward float64) (*Gate, error) {
	if inner == nil {
		return nil, fmt.Errorf("risk gate requires an evaluator")
	}
	if minRiskReward <= 0 {
		return nil, fmt.Errorf("risk gate requires a positive reward-to-risk threshold, got %v", minRiskReward)
	}
	return &Gate{inner: inner, minRiskReward: minRiskReward}, nil
}

// SetRejectHandler registers a callback invoked on every veto, used to feed
// the journal without coupling this package to storage.
func (g *Gate) SetRejectHandler(fn func(ord *broker.Order, rej *Rejection)) {
	g.onReject = fn
}

func (g *Gate) Evaluate(ctx context.Context, ev market.Event, pos *broker.Position, equity float64) (*broker.Order, error) {
	ord, err := g.inner.Evaluate(ctx, ev, pos, equity)
	if err != nil || ord == nil {
		return nil, err
	}
	if rej := g.check(ord, ev.Price()); rej != nil {
		logger.Warnf("order %s vetoed: %v", ord.ClientID, rej)
		if g.onReject != nil {
			g.onReject(ord, rej)
		}
		return nil, rej
	}
	return ord, nil
}

func (g *Gate) check(ord *broker.Order, refPrice float64) *Rejection {
	if !ord.Side.Valid() {
		return &Rejection{Rule: "side", Detail: fmt.Sprintf("unknown side %q", ord.Side)}
	}
	if ord.Quantity <= 0 {
		return &Rejection{Rule: "quantity", Detail: "quantity must be positive"}
	}
	if ord.StopLoss <= 0 || ord.TakeProfit <= 0 {
		return &Rejection{Rule: "protection", Detail: "stop loss and take profit are both required"}
	}
	if refPrice <= 0 {
		return &Rejection{Rule: "price", Detail: "no reference price for the event"}
	}
	var risk, reward float64
	switch ord.Side {
	case broker.SideBuy:
		risk = refPrice - ord.StopLoss
		reward = ord.TakeProfit - refPrice
	case broker.SideSell:
		risk = ord.StopLoss - refPrice
		reward = refPrice - ord.TakeProfit
	}
	if risk <= 0 {
		return &Rejection{Rule: "stop_side", Detail: "stop loss sits on the wrong side of the entry"}
	}
	if reward <= 0 {
		return &Rejection{Rule: "target_side", Detail: "take profit sits on the wrong side of the entry"}
	}
	if rr := reward / risk; rr < g.minRiskReward {
		return &Rejection{
			Rule:   "risk_reward",
			Detail: fmt.Sprintf("reward/risk %.2f below required %.2f", rr, g.minRiskReward),
		}
	}
	return nil
}
