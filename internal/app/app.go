package app

import (
	"context"
	"fmt"

	"vigil/internal/config"
	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/session"
	adminhttp "vigil/internal/transport/http/admin"

	"golang.org/x/sync/errgroup"
)

// App owns application-level orchestration: load config, build the
// dependency graph, run the session loop and the admin server side by side.
type App struct {
	cfg       *config.Config
	scheduler *session.Scheduler
	feed      *market.ResilientFeed
	source    market.Source
	adminHTTP *adminhttp.Server
	journ     *journal.Journal
	trips     *journal.TripLog
	kill      *session.KillSwitch
}

// NewApp builds the application object from config without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return build(cfg)
}

// Run starts the feed, the admin server and the session loop, and blocks
// until the session reaches a terminal condition.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.feed.Start(runCtx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)

	if a.adminHTTP != nil {
		group.Go(func() error {
			if err := a.adminHTTP.Start(groupCtx); err != nil {
				return fmt.Errorf("admin http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		// When the session ends, for any reason, the whole process winds
		// down; cancel releases the admin server and the feed.
		defer cancel()
		return a.scheduler.Run(groupCtx)
	})

	return group.Wait()
}

// Scheduler exposes the session loop, mainly for replay harnesses.
func (a *App) Scheduler() *session.Scheduler {
	if a == nil {
		return nil
	}
	return a.scheduler
}

func (a *App) close() {
	if a.kill != nil {
		a.kill.Close()
	}
	if a.source != nil {
		_ = a.source.Close()
	}
	if a.journ != nil {
		if err := a.journ.Close(); err != nil {
			logger.Warnf("journal close failed: %v", err)
		}
	}
	if a.trips != nil {
		if err := a.trips.Close(); err != nil {
			logger.Warnf("trip log close failed: %v", err)
		}
	}
}
