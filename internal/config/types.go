package config

import (
	"strings"
	"time"
)

// Config is the top-level configuration carrier for a trading session.
type Config struct {
	App     AppConfig     `toml:"app"`
	Session SessionConfig `toml:"session"`
	Market  MarketConfig  `toml:"market"`
	Feed    FeedConfig    `toml:"feed"`
	Broker  BrokerConfig  `toml:"broker"`
	Risk    RiskConfig    `toml:"risk"`
	Circuit CircuitConfig `toml:"circuit"`
	Journal JournalConfig `toml:"journal"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogPath   string `toml:"log_path"`
	AdminAddr string `toml:"admin_addr"`
}

// SessionConfig drives the coordinating loop itself.
type SessionConfig struct {
	Symbol              string `toml:"symbol"`
	Interval            string `toml:"interval"`
	DurationMinutes     int    `toml:"duration_minutes"`
	CycleTimeoutSeconds int    `toml:"cycle_timeout_seconds"`
	KillSwitchPath      string `toml:"kill_switch_path"`
	StatePath           string `toml:"state_path"`
	SummaryPath         string `toml:"summary_path"`
}

func (s SessionConfig) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

func (s SessionConfig) CycleTimeout() time.Duration {
	return time.Duration(s.CycleTimeoutSeconds) * time.Second
}

// FeedConfig tunes the resilience layer between the raw source and the
// scheduler: heartbeat staleness detection, gap backfill and buffering.
type FeedConfig struct {
	HeartbeatTimeoutSeconds int `toml:"heartbeat_timeout_seconds"`
	HeartbeatCheckSeconds   int `toml:"heartbeat_check_seconds"`
	BufferSize              int `toml:"buffer_size"`
	BackfillMaxAttempts     int `toml:"backfill_max_attempts"`
	BackfillBackoffMillis   int `toml:"backfill_backoff_millis"`
}

func (f FeedConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(f.HeartbeatTimeoutSeconds) * time.Second
}

func (f FeedConfig) HeartbeatCheck() time.Duration {
	return time.Duration(f.HeartbeatCheckSeconds) * time.Second
}

func (f FeedConfig) BackfillBackoff() time.Duration {
	return time.Duration(f.BackfillBackoffMillis) * time.Millisecond
}

// BrokerConfig selects the execution back end and its simulation knobs.
type BrokerConfig struct {
	Mode              string  `toml:"mode"` // "paper" | "live"
	StartingEquityUSD float64 `toml:"starting_equity_usd"`
	LiquidityFraction float64 `toml:"liquidity_fraction"`
	SpreadFraction    float64 `toml:"spread_fraction"`

	// live mode only
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	BaseURL   string `toml:"base_url"`
}

// RiskConfig gates evaluator output before it reaches the broker.
// MinRiskReward is intentionally an externally supplied threshold: source
// material disagreed on the floor value, so nothing here hardcodes one.
type RiskConfig struct {
	MinRiskReward   float64 `toml:"min_risk_reward"`
	RiskPerTradePct float64 `toml:"risk_per_trade_pct"`
	FastPeriod      int     `toml:"fast_period"`
	SlowPeriod      int     `toml:"slow_period"`
	StopLossPct     float64 `toml:"stop_loss_pct"`
}

type CircuitConfig struct {
	ConsecutiveLosses int     `toml:"consecutive_losses"`
	MaxDrawdownPct    float64 `toml:"max_drawdown_pct"`
}

type JournalConfig struct {
	Path        string `toml:"path"`
	TripLogPath string `toml:"trip_log_path"`
}

type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
	ReplayPath   string         `toml:"replay_path"`
}

type MarketSource struct {
	Name        string      `toml:"name"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
	WSURL   string `toml:"ws_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
	p.WSURL = strings.TrimSpace(p.WSURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// keySet tracks field paths explicitly present in the config file so that
// defaults never clobber an intentional zero value.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the default rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
