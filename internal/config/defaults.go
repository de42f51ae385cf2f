package config

import (
	"fmt"
	"strings"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppAdminAddr      = ":9982"
	defaultSessionSymbol     = "BTC/USDT"
	defaultSessionInterval   = "1m"
	defaultSessionDuration   = 480
	defaultSessionCycleWait  = 5
	defaultSessionKillPath   = "data/KILL"
	defaultSessionStatePath  = "data/session_state.json"
	defaultSessionSummary    = "data/summary.yaml"
	defaultFeedHeartbeatSecs = 30
	defaultFeedCheckSecs     = 2
	defaultFeedBuffer        = 512
	defaultFeedBackfillMax   = 5
	defaultFeedBackfillMs    = 500
	defaultBrokerMode        = "paper"
	defaultBrokerEquity      = 10000
	defaultBrokerLiquidity   = 0.10
	defaultBrokerSpread      = 0.0005
	defaultRiskPerTrade      = 0.01
	defaultRiskFastPeriod    = 9
	defaultRiskSlowPeriod    = 21
	defaultRiskStopLossPct   = 0.01
	defaultCircuitLosses     = 3
	defaultCircuitDrawdown   = 0.10
	defaultJournalPath       = "data/journal.db"
	defaultTripLogPath       = "data/trip_log.db"
	defaultMarketName        = "binance"
	defaultMarketREST        = "https://fapi.binance.com"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Feed.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Circuit.applyDefaults(keys)
	c.Journal.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.admin_addr", &a.AdminAddr, defaultAppAdminAddr),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("session.symbol", &s.Symbol, defaultSessionSymbol),
		stringFieldDefault("session.interval", &s.Interval, defaultSessionInterval),
		stringFieldDefault("session.kill_switch_path", &s.KillSwitchPath, defaultSessionKillPath),
		stringFieldDefault("session.state_path", &s.StatePath, defaultSessionStatePath),
		stringFieldDefault("session.summary_path", &s.SummaryPath, defaultSessionSummary),
		fieldDefault{
			key:   "session.duration_minutes",
			need:  func() bool { return s.DurationMinutes <= 0 },
			apply: func() { s.DurationMinutes = defaultSessionDuration },
		},
		fieldDefault{
			key:   "session.cycle_timeout_seconds",
			need:  func() bool { return s.CycleTimeoutSeconds <= 0 },
			apply: func() { s.CycleTimeoutSeconds = defaultSessionCycleWait },
		},
	)
}

func (f *FeedConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "feed.heartbeat_timeout_seconds",
			need:  func() bool { return f.HeartbeatTimeoutSeconds <= 0 },
			apply: func() { f.HeartbeatTimeoutSeconds = defaultFeedHeartbeatSecs },
		},
		fieldDefault{
			key:   "feed.heartbeat_check_seconds",
			need:  func() bool { return f.HeartbeatCheckSeconds <= 0 },
			apply: func() { f.HeartbeatCheckSeconds = defaultFeedCheckSecs },
		},
		fieldDefault{
			key:   "feed.buffer_size",
			need:  func() bool { return f.BufferSize <= 0 },
			apply: func() { f.BufferSize = defaultFeedBuffer },
		},
		fieldDefault{
			key:   "feed.backfill_max_attempts",
			need:  func() bool { return f.BackfillMaxAttempts <= 0 },
			apply: func() { f.BackfillMaxAttempts = defaultFeedBackfillMax },
		},
		fieldDefault{
			key:   "feed.backfill_backoff_millis",
			need:  func() bool { return f.BackfillBackoffMillis <= 0 },
			apply: func() { f.BackfillBackoffMillis = defaultFeedBackfillMs },
		},
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		fieldDefault{
			key:   "broker.starting_equity_usd",
			need:  func() bool { return b.StartingEquityUSD <= 0 },
			apply: func() { b.StartingEquityUSD = defaultBrokerEquity },
		},
		fieldDefault{
			key:   "broker.liquidity_fraction",
			need:  func() bool { return b.LiquidityFraction <= 0 || b.LiquidityFraction > 1 },
			apply: func() { b.LiquidityFraction = defaultBrokerLiquidity },
		},
		fieldDefault{
			key:   "broker.spread_fraction",
			need:  func() bool { return b.SpreadFraction < 0 },
			apply: func() { b.SpreadFraction = defaultBrokerSpread },
		},
	)
	if b.SpreadFraction == 0 && !keys.isSet("broker.spread_fraction") {
		b.SpreadFraction = defaultBrokerSpread
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	// min_risk_reward intentionally has no default: it must be supplied.
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.risk_per_trade_pct",
			need:  func() bool { return r.RiskPerTradePct <= 0 },
			apply: func() { r.RiskPerTradePct = defaultRiskPerTrade },
		},
		fieldDefault{
			key:   "risk.fast_period",
			need:  func() bool { return r.FastPeriod <= 0 },
			apply: func() { r.FastPeriod = defaultRiskFastPeriod },
		},
		fieldDefault{
			key:   "risk.slow_period",
			need:  func() bool { return r.SlowPeriod <= 0 },
			apply: func() { r.SlowPeriod = defaultRiskSlowPeriod },
		},
		fieldDefault{
			key:   "risk.stop_loss_pct",
			need:  func() bool { return r.StopLossPct <= 0 },
			apply: func() { r.StopLossPct = defaultRiskStopLossPct },
		},
	)
}

func (c *CircuitConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "circuit.consecutive_losses",
			need:  func() bool { return c.ConsecutiveLosses <= 0 },
			apply: func() { c.ConsecutiveLosses = defaultCircuitLosses },
		},
		fieldDefault{
			key:   "circuit.max_drawdown_pct",
			need:  func() bool { return c.MaxDrawdownPct <= 0 },
			apply: func() { c.MaxDrawdownPct = defaultCircuitDrawdown },
		},
	)
}

func (j *JournalConfig) applyDefaults(keys keySet) {
	if j == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("journal.path", &j.Path, defaultJournalPath),
		stringFieldDefault("journal.trip_log_path", &j.TripLogPath, defaultTripLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
