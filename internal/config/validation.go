package config

import (
	"fmt"
	"strings"
)

// validate performs basic cross-field checks. Any error returned here aborts
// startup before the session loop runs.
func validate(c *Config) error {
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Feed.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Circuit.validate(); err != nil {
		return err
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("session.symbol cannot be empty")
	}
	if !IsValidInterval(s.Interval) {
		return fmt.Errorf("session.interval is not a valid interval: %q", s.Interval)
	}
	if s.DurationMinutes <= 0 {
		return fmt.Errorf("session.duration_minutes must be > 0")
	}
	if s.CycleTimeoutSeconds <= 0 {
		return fmt.Errorf("session.cycle_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(s.StatePath) == "" {
		return fmt.Errorf("session.state_path cannot be empty")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	if active == "replay" {
		if strings.TrimSpace(m.ReplayPath) == "" {
			return fmt.Errorf("market.replay_path required when active_source=replay")
		}
		return nil
	}
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" && src.Proxy.WSURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url or ws_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if active == "" || name == active {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (f *FeedConfig) validate() error {
	if f.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("feed.heartbeat_timeout_seconds must be > 0")
	}
	if f.HeartbeatCheckSeconds <= 0 {
		return fmt.Errorf("feed.heartbeat_check_seconds must be > 0")
	}
	// The heartbeat must fire well before any connection-level watchdog, and
	// the check period has to be finer than the timeout it guards.
	if f.HeartbeatCheckSeconds >= f.HeartbeatTimeoutSeconds {
		return fmt.Errorf("feed.heartbeat_check_seconds must be shorter than heartbeat_timeout_seconds")
	}
	if f.BufferSize <= 0 {
		return fmt.Errorf("feed.buffer_size must be > 0")
	}
	if f.BackfillMaxAttempts <= 0 {
		return fmt.Errorf("feed.backfill_max_attempts must be > 0")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	mode := strings.ToLower(strings.TrimSpace(b.Mode))
	if mode != "paper" && mode != "live" {
		return fmt.Errorf("broker.mode must be 'paper' or 'live', got %q", b.Mode)
	}
	if b.StartingEquityUSD <= 0 {
		return fmt.Errorf("broker.starting_equity_usd must be > 0")
	}
	if b.LiquidityFraction <= 0 || b.LiquidityFraction > 1 {
		return fmt.Errorf("broker.liquidity_fraction must be in (0, 1]")
	}
	if b.SpreadFraction < 0 || b.SpreadFraction >= 0.05 {
		return fmt.Errorf("broker.spread_fraction must be in [0, 0.05)")
	}
	if mode == "live" && (strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.APISecret) == "") {
		return fmt.Errorf("broker.api_key and broker.api_secret are required in live mode")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MinRiskReward <= 0 {
		return fmt.Errorf("risk.min_risk_reward must be supplied and > 0")
	}
	if r.RiskPerTradePct <= 0 || r.RiskPerTradePct > 1 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 1]")
	}
	if r.FastPeriod <= 0 || r.SlowPeriod <= 0 {
		return fmt.Errorf("risk.fast_period and risk.slow_period must be > 0")
	}
	if r.FastPeriod >= r.SlowPeriod {
		return fmt.Errorf("risk.fast_period must be shorter than risk.slow_period")
	}
	if r.StopLossPct <= 0 || r.StopLossPct >= 1 {
		return fmt.Errorf("risk.stop_loss_pct must be in (0, 1)")
	}
	return nil
}

func (c *CircuitConfig) validate() error {
	if c.ConsecutiveLosses <= 0 {
		return fmt.Errorf("circuit.consecutive_losses must be > 0")
	}
	if c.MaxDrawdownPct <= 0 || c.MaxDrawdownPct >= 1 {
		return fmt.Errorf("circuit.max_drawdown_pct must be in (0, 1)")
	}
	return nil
}

// IsValidInterval accepts strings like 1m, 15m, 4h, 1d, 1w.
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 's' && suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
