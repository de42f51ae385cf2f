package app

import (
	"fmt"
	"strings"

	"vigil/internal/broker"
	"vigil/internal/circuit"
	"vigil/internal/config"
	"vigil/internal/gateway/binance"
	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/pkg/retry"
	"vigil/internal/risk"
	"vigil/internal/session"
	"vigil/internal/state"
	adminhttp "vigil/internal/transport/http/admin"
)

// build assembles the full dependency graph bottom-up: source, feed, broker,
// breaker, state, journal, evaluator, scheduler, admin server. Persisted
// state is restored before the first cycle so a tripped breaker or an open
// position survives the restart.
func build(cfg *config.Config) (*App, error) {
	src, err := buildMarketSource(cfg)
	if err != nil {
		return nil, err
	}
	feed, err := market.NewResilientFeed(src, market.FeedConfig{
		Symbol:           cfg.Session.Symbol,
		Interval:         cfg.Session.Interval,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout(),
		HeartbeatCheck:   cfg.Feed.HeartbeatCheck(),
		BufferSize:       cfg.Feed.BufferSize,
		Backfill: retry.Policy{
			MaxAttempts: cfg.Feed.BackfillMaxAttempts,
			BaseDelay:   cfg.Feed.BackfillBackoff(),
		},
	})
	if err != nil {
		return nil, err
	}

	brk, err := buildBroker(cfg)
	if err != nil {
		return nil, err
	}
	breaker := circuit.NewBreaker(circuit.Config{
		ConsecutiveLosses: cfg.Circuit.ConsecutiveLosses,
		MaxDrawdownPct:    cfg.Circuit.MaxDrawdownPct,
	})

	store := state.NewManager(cfg.Session.StatePath)
	if err := store.Load(); err != nil {
		return nil, err
	}
	breaker.Restore(store.CircuitSnapshot())
	if snap := store.BrokerSnapshot(); !snap.UpdatedAt.IsZero() {
		brk.Restore(snap)
	}

	var journ *journal.Journal
	if cfg.Journal.Path != "" {
		journ, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}
	var trips *journal.TripLog
	if cfg.Journal.TripLogPath != "" {
		trips, err = journal.OpenTripLog(cfg.Journal.TripLogPath)
		if err != nil {
			return nil, fmt.Errorf("open trip log: %w", err)
		}
		// Trips only ever happen inside RecordOutcome on the session
		// goroutine, so reading broker equity here is race-free. Resets are
		// recorded by the admin handler, which knows the actor.
		breaker.SetStateChangeHandler(func(from, to circuit.State, reason string) {
			if to != circuit.StateTripped {
				return
			}
			if err := trips.RecordTrip(reason, brk.Equity()); err != nil {
				logger.Warnf("trip log write failed: %v", err)
			}
		})
	}

	evaluator, err := buildEvaluator(cfg, journ)
	if err != nil {
		return nil, err
	}

	kill, err := session.NewKillSwitch(cfg.Session.KillSwitchPath)
	if err != nil {
		return nil, fmt.Errorf("kill switch: %w", err)
	}

	reporter := session.NewReporter(cfg.Session.SummaryPath, journ)

	scheduler, err := session.NewScheduler(session.Config{
		Symbol:       cfg.Session.Symbol,
		Duration:     cfg.Session.Duration(),
		CycleTimeout: cfg.Session.CycleTimeout(),
	}, session.Deps{
		Feed:      feed,
		Broker:    brk,
		Breaker:   breaker,
		Store:     store,
		Evaluator: evaluator,
		Journal:   journ,
		Kill:      kill,
		Reporter:  reporter,
	})
	if err != nil {
		return nil, err
	}

	var adminSrv *adminhttp.Server
	if cfg.App.AdminAddr != "" {
		adminSrv, err = adminhttp.NewServer(adminhttp.ServerConfig{
			Addr: cfg.App.AdminAddr,
			Router: &adminhttp.Router{
				Scheduler: scheduler,
				Breaker:   breaker,
				Journal:   journ,
				TripLog:   trips,
				Feed:      feed,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return &App{
		cfg:       cfg,
		scheduler: scheduler,
		feed:      feed,
		source:    src,
		adminHTTP: adminSrv,
		journ:     journ,
		trips:     trips,
		kill:      kill,
	}, nil
}

func buildMarketSource(cfg *config.Config) (market.Source, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Market.ActiveSource), "replay") {
		logger.Infof("market source: replay from %s", cfg.Market.ReplayPath)
		return market.NewReplaySource(cfg.Market.ReplayPath)
	}
	active := cfg.Market.ResolveActiveSource()
	logger.Infof("market source: %s (%s)", active.Name, active.RESTBaseURL)
	return binance.New(binance.Config{
		RESTBaseURL:  active.RESTBaseURL,
		ProxyEnabled: active.Proxy.Enabled,
		RESTProxyURL: active.Proxy.RESTURL,
		WSProxyURL:   active.Proxy.WSURL,
	})
}

func buildBroker(cfg *config.Config) (broker.Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.Mode)) {
	case "live":
		return broker.NewLiveBroker(broker.LiveConfig{
			APIKey:         cfg.Broker.APIKey,
			APISecret:      cfg.Broker.APISecret,
			BaseURL:        cfg.Broker.BaseURL,
			StartingEquity: cfg.Broker.StartingEquityUSD,
		})
	default:
		return broker.NewPaperBroker(broker.PaperConfig{
			StartingEquity:    cfg.Broker.StartingEquityUSD,
			LiquidityFraction: cfg.Broker.LiquidityFraction,
			SpreadFraction:    cfg.Broker.SpreadFraction,
		}), nil
	}
}

func buildEvaluator(cfg *config.Config, journ *journal.Journal) (risk.Evaluator, error) {
	sma, err := risk.NewSMAEvaluator(risk.SMAConfig{
		Symbol:           cfg.Session.Symbol,
		FastPeriod:       cfg.Risk.FastPeriod,
		SlowPeriod:       cfg.Risk.SlowPeriod,
		StopLossPct:      cfg.Risk.StopLossPct,
		TargetRiskReward: cfg.Risk.MinRiskReward,
		RiskPerTradePct:  cfg.Risk.RiskPerTradePct,
	})
	if err != nil {
		return nil, err
	}
	gate, err := risk.NewGate(sma, cfg.Risk.MinRiskReward)
	if err != nil {
		return nil, err
	}
	if journ != nil {
		gate.SetRejectHandler(func(ord *broker.Order, rej *risk.Rejection) {
			if err := journ.RecordOrder(ord, journal.OrderStatusRejected, rej.Error()); err != nil {
				logger.Warnf("journal rejected order %s failed: %v", ord.ClientID, err)
			}
		})
	}
	return gate, nil
}
