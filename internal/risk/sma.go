package risk

import (
	"context"
	"fmt"

	"vigil/internal/broker"
	"vigil/internal/logger"
	"vigil/internal/market"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// SMAConfig tunes the moving-average crossover evaluator.
type SMAConfig struct {
	Symbol           string
	FastPeriod       int
	SlowPeriod       int
	StopLossPct      float64 // stop distance as a fraction of entry price
	TargetRiskReward float64 // take-profit distance as a multiple of the stop distance
	RiskPerTradePct  float64 // equity fraction risked per trade
	MaxHistory       int
}

// SMAEvaluator is the built-in signal source: a fast/slow simple moving
// average crossover over the closes it has seen. It sizes orders off the
// stop distance so each trade risks a fixed equity fraction.
type SMAEvaluator struct {
	cfg    SMAConfig
	closes []float64
}

func NewSMAEvaluator(cfg SMAConfig) (*SMAEvaluator, error) {
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= 0 || cfg.FastPeriod >= cfg.SlowPeriod {
		return nil, fmt.Errorf("sma evaluator needs 0 < fast < slow, got fast=%d slow=%d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1 {
		return nil, fmt.Errorf("sma evaluator stop loss pct must be in (0,1), got %v", cfg.StopLossPct)
	}
	if cfg.TargetRiskReward <= 0 {
		return nil, fmt.Errorf("sma evaluator target reward multiple must be positive")
	}
	if cfg.RiskPerTradePct <= 0 || cfg.RiskPerTradePct > 0.5 {
		return nil, fmt.Errorf("sma evaluator risk per trade must be in (0,0.5], got %v", cfg.RiskPerTradePct)
	}
	if cfg.MaxHistory < cfg.SlowPeriod*3 {
		cfg.MaxHistory = cfg.SlowPeriod * 3
	}
	return &SMAEvaluator{cfg: cfg}, nil
}

// Seed preloads historical closes so the first live cycles already have a
// full indicator window.
func (s *SMAEvaluator) Seed(candles []market.Candle) {
	for _, c := range candles {
		s.push(c.Close)
	}
	logger.Debugf("sma evaluator seeded with %d closes", len(s.closes))
}

func (s *SMAEvaluator) Evaluate(ctx context.Context, ev market.Event, pos *broker.Position, equity float64) (*broker.Order, error) {
	price := ev.Price()
	if price <= 0 {
		return nil, nil
	}
	if ev.Candle != nil {
		s.push(ev.Candle.Close)
	}
	if pos != nil {
		return nil, nil
	}
	if len(s.closes) < s.cfg.SlowPeriod+1 {
		return nil, nil
	}

	fast := talib.Sma(s.closes, s.cfg.FastPeriod)
	slow := talib.Sma(s.closes, s.cfg.SlowPeriod)
	n := len(s.closes)
	prevDiff := fast[n-2] - slow[n-2]
	currDiff := fast[n-1] - slow[n-1]

	var side broker.Side
	switch {
	case prevDiff <= 0 && currDiff > 0:
		side = broker.SideBuy
	case prevDiff >= 0 && currDiff < 0:
		side = broker.SideSell
	default:
		return nil, nil
	}

	stop, target := s.protectionLevels(price, side)
	qty := s.sizeOrder(equity, price, stop)
	if qty <= 0 {
		return nil, nil
	}
	logger.Infof("sma crossover signal: %s %s qty=%.8f entry~%.4f stop=%.4f target=%.4f",
		side, s.cfg.Symbol, qty, price, stop, target)
	return broker.NewOrder(s.cfg.Symbol, side, qty, stop, target, equity), nil
}

func (s *SMAEvaluator) protectionLevels(price float64, side broker.Side) (stop, target float64) {
	p := decimal.NewFromFloat(price)
	stopDist := p.Mul(decimal.NewFromFloat(s.cfg.StopLossPct))
	targetDist := stopDist.Mul(decimal.NewFromFloat(s.cfg.TargetRiskReward))
	if side == broker.SideBuy {
		stop, _ = p.Sub(stopDist).Float64()
		target, _ = p.Add(targetDist).Float64()
		return stop, target
	}
	stop, _ = p.Add(stopDist).Float64()
	target, _ = p.Sub(targetDist).Float64()
	return stop, target
}

func (s *SMAEvaluator) sizeOrder(equity, price, stop float64) float64 {
	riskPerUnit := price - stop
	if riskPerUnit < 0 {
		riskPerUnit = -riskPerUnit
	}
	if riskPerUnit <= 0 || equity <= 0 {
		return 0
	}
	budget := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(s.cfg.RiskPerTradePct))
	qty, _ := budget.Div(decimal.NewFromFloat(riskPerUnit)).Float64()
	return qty
}

func (s *SMAEvaluator) push(close float64) {
	if close <= 0 {
		return
	}
	s.closes = append(s.closes, close)
	if len(s.closes) > s.cfg.MaxHistory {
		s.closes = s.closes[len(s.closes)-s.cfg.MaxHistory:]
	}
}
