package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/internal/broker"
	"vigil/internal/circuit"
	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/risk"
	"vigil/internal/state"
)

// StopReason names why the session ended; it goes into the final state
// document and the summary artifact.
type StopReason string

const (
	StopDurationElapsed StopReason = "duration_elapsed"
	StopFeedExhausted   StopReason = "feed_exhausted"
	StopFeedFailed      StopReason = "feed_failed"
	StopContextDone     StopReason = "context_canceled"
)

// EventStream is the slice of the resilient feed the scheduler consumes.
type EventStream interface {
	Events() <-chan market.Event
	Err() error
}

// Config carries the scheduler's own knobs; everything else arrives as a
// collaborator.
type Config struct {
	Symbol       string
	Duration     time.Duration
	CycleTimeout time.Duration
}

// Scheduler drives the trading session: one loop, one cycle per market
// event, every cycle funnelled through maintain, evaluate, execute, record,
// persist. It owns no trading logic itself.
type Scheduler struct {
	cfg       Config
	feed      EventStream
	brk       broker.Broker
	breaker   *circuit.Breaker
	store     *state.Manager
	evaluator risk.Evaluator
	journ     *journal.Journal
	kill      *KillSwitch
	reporter  *Reporter

	mu    sync.Mutex
	snap  state.SessionSnapshot
	nowFn func() time.Time
}

type Deps struct {
	Feed      EventStream
	Broker    broker.Broker
	Breaker   *circuit.Breaker
	Store     *state.Manager
	Evaluator risk.Evaluator
	Journal   *journal.Journal
	Kill      *KillSwitch
	Reporter  *Reporter
}

func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Feed == nil || deps.Broker == nil || deps.Breaker == nil || deps.Store == nil {
		return nil, fmt.Errorf("scheduler requires feed, broker, breaker and state manager")
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 30 * time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		feed:      deps.Feed,
		brk:       deps.Broker,
		breaker:   deps.Breaker,
		store:     deps.Store,
		evaluator: deps.Evaluator,
		journ:     deps.Journal,
		kill:      deps.Kill,
		reporter:  deps.Reporter,
		nowFn:     time.Now,
	}, nil
}

// Run executes the session until a terminal condition and always finishes
// with an orderly shutdown. The returned error is nil for clean stops
// (duration, context, exhausted feed) and non-nil for faults.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.snap = s.store.SessionSnapshot()
	if s.snap.StartedAt.IsZero() {
		s.snap.StartedAt = s.nowFn().UTC()
	}
	s.snap.Running = true
	s.snap.StoppedReason = ""
	s.mu.Unlock()

	deadline := s.nowFn().Add(s.cfg.Duration)
	logger.Infof("session started: symbol=%s duration=%s deadline=%s",
		s.cfg.Symbol, s.cfg.Duration, deadline.UTC().Format(time.RFC3339))

	reason, runErr := s.loop(ctx, deadline)
	s.shutdown(ctx, reason)
	return runErr
}

func (s *Scheduler) loop(ctx context.Context, deadline time.Time) (StopReason, error) {
	timer := time.NewTimer(s.cfg.CycleTimeout)
	defer timer.Stop()

	for {
		// The kill switch is sampled exactly once per cycle, here. A marker
		// created after this point affects the next cycle, never this one.
		// Like a tripped breaker it only halts submission: maintenance and
		// persistence keep running so protective exits stay live.
		killed := s.kill != nil && s.kill.Sampled()
		s.mu.Lock()
		if killed && !s.snap.KillEngaged {
			s.snap.KillEngaged = true
			logger.Warnf("kill switch engaged, order submission halted")
		}
		s.mu.Unlock()
		if !s.nowFn().Before(deadline) {
			return StopDurationElapsed, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.CycleTimeout)

		select {
		case <-ctx.Done():
			return StopContextDone, nil
		case <-timer.C:
			// No event this cycle. Loop around so the kill switch and the
			// deadline are still honored on an idle feed.
			continue
		case ev, ok := <-s.feed.Events():
			if !ok {
				if err := s.feed.Err(); err != nil && !errors.Is(err, market.ErrFeedExhausted) {
					return StopFeedFailed, err
				}
				return StopFeedExhausted, nil
			}
			s.cycle(ctx, ev, killed)
		}
	}
}

// cycle processes one market event end to end. Every failure is handled in
// place; nothing here ends the session. A killed cycle skips the decision
// step only.
func (s *Scheduler) cycle(ctx context.Context, ev market.Event, killed bool) {
	report := s.brk.Maintain(ctx, ev)
	s.journalFills(report.Fills)
	s.journalExits(report.Exits)

	cyclePnL := 0.0
	for _, exit := range report.Exits {
		cyclePnL += exit.PnL
	}

	if !killed {
		s.trySubmit(ctx, ev)
	}

	if len(report.Exits) > 0 {
		s.breaker.RecordOutcome(cyclePnL, s.brk.Equity())
	}

	s.mu.Lock()
	s.snap.CyclesRun++
	s.snap.LastEventTime = ev.Time
	snap := s.snap
	s.mu.Unlock()

	s.store.SetBroker(s.brk.Snapshot())
	s.store.SetCircuit(s.breaker.Snapshot())
	s.store.SetSession(snap)
	if err := s.store.Save(); err != nil {
		// The in-memory state stays authoritative; the next cycle saves the
		// same document again.
		logger.Warnf("state save failed, retrying next cycle: %v", err)
	}
}

// trySubmit asks the evaluator for an intent and routes it to the broker.
// The breaker gates submission only; maintenance already ran.
func (s *Scheduler) trySubmit(ctx context.Context, ev market.Event) {
	if s.evaluator == nil {
		return
	}
	if !s.breaker.Allow() {
		logger.Debugf("submission blocked: %v (%s)", circuit.ErrTripped, s.breaker.Reason())
		return
	}
	ord, err := s.evaluator.Evaluate(ctx, ev, s.brk.Position(), s.brk.Equity())
	if err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) {
			s.mu.Lock()
			s.snap.OrdersRejected++
			s.mu.Unlock()
			return
		}
		logger.Errorf("evaluator failed for event at %d: %v", ev.Time, err)
		return
	}
	if ord == nil {
		return
	}

	fills, err := s.brk.Execute(ctx, ev, ord)
	switch {
	case err == nil:
		s.mu.Lock()
		s.snap.OrdersAccepted++
		s.mu.Unlock()
		s.journalOrder(ord, orderStatus(fills, s.brk.WorkingOrders()), "")
		s.journalFills(fills)
	case errors.Is(err, broker.ErrDuplicateOrder):
		logger.Warnf("order %s ignored: %v", ord.ClientID, err)
	case errors.Is(err, broker.ErrPositionOpen),
		errors.Is(err, broker.ErrNoEquity),
		errors.Is(err, broker.ErrBadPrice):
		s.mu.Lock()
		s.snap.OrdersRejected++
		s.mu.Unlock()
		s.journalOrder(ord, journal.OrderStatusRejected, err.Error())
		logger.Warnf("order %s rejected: %v", ord.ClientID, err)
	default:
		logger.Errorf("order %s failed: %v", ord.ClientID, err)
		s.journalOrder(ord, journal.OrderStatusRejected, err.Error())
	}
}

func orderStatus(fills []broker.Fill, working []broker.WorkingOrder) journal.OrderStatus {
	if len(working) > 0 {
		return journal.OrderStatusPartial
	}
	if len(fills) > 0 {
		return journal.OrderStatusFilled
	}
	return journal.OrderStatusAccepted
}

// shutdown cancels working orders, persists the final document and writes
// the session summary. It never aborts partway: a failure in one step is
// logged and the rest still runs.
func (s *Scheduler) shutdown(ctx context.Context, reason StopReason) {
	logger.Infof("session stopping: %s", reason)

	cancels := s.brk.Shutdown(ctx)
	for _, c := range cancels {
		logger.Infof("cancelled working order %s remaining=%.8f", c.WorkingOrderID, c.Remaining)
	}
	if s.journ != nil && len(cancels) > 0 {
		if err := s.journ.RecordCancels(cancels); err != nil {
			logger.Warnf("journal cancels failed: %v", err)
		}
		parents := make([]string, 0, len(cancels))
		for _, c := range cancels {
			parents = append(parents, c.ParentID)
		}
		if err := s.journ.MarkOrdersCanceled(parents); err != nil {
			logger.Warnf("journal order status update failed: %v", err)
		}
	}

	s.mu.Lock()
	s.snap.Running = false
	s.snap.StoppedReason = string(reason)
	snap := s.snap
	s.mu.Unlock()

	s.store.SetBroker(s.brk.Snapshot())
	s.store.SetCircuit(s.breaker.Snapshot())
	s.store.SetSession(snap)
	if err := s.store.Save(); err != nil {
		logger.Errorf("final state save failed: %v", err)
	}

	if s.reporter != nil {
		if err := s.reporter.Write(reason, snap, s.brk.Snapshot(), s.breaker.Snapshot()); err != nil {
			logger.Warnf("session summary failed: %v", err)
		}
	}
	logger.Infof("session stopped: reason=%s cycles=%d equity=%.2f",
		reason, snap.CyclesRun, s.brk.Equity())
}

func (s *Scheduler) journalOrder(ord *broker.Order, status journal.OrderStatus, reject string) {
	if s.journ == nil {
		return
	}
	if err := s.journ.RecordOrder(ord, status, reject); err != nil {
		logger.Warnf("journal order %s failed: %v", ord.ClientID, err)
	}
}

func (s *Scheduler) journalFills(fills []broker.Fill) {
	if s.journ == nil || len(fills) == 0 {
		return
	}
	if err := s.journ.RecordFills(fills); err != nil {
		logger.Warnf("journal fills failed: %v", err)
	}
}

func (s *Scheduler) journalExits(exits []broker.ExitEvent) {
	if s.journ == nil || len(exits) == 0 {
		return
	}
	if err := s.journ.RecordExits(exits); err != nil {
		logger.Warnf("journal exits failed: %v", err)
	}
}

// Status is a point-in-time view for the admin API.
type Status struct {
	Running        bool             `json:"running"`
	KillEngaged    bool             `json:"kill_engaged"`
	Symbol         string           `json:"symbol"`
	CyclesRun      int              `json:"cycles_run"`
	LastEventTime  int64            `json:"last_event_time"`
	OrdersAccepted int              `json:"orders_accepted"`
	OrdersRejected int              `json:"orders_rejected"`
	Equity         float64          `json:"equity"`
	Position       *broker.Position `json:"position,omitempty"`
	BreakerState   string           `json:"breaker_state"`
	BreakerReason  string           `json:"breaker_reason,omitempty"`
	StoppedReason  string           `json:"stopped_reason,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	return Status{
		Running:        snap.Running,
		KillEngaged:    snap.KillEngaged,
		Symbol:         s.cfg.Symbol,
		CyclesRun:      snap.CyclesRun,
		LastEventTime:  snap.LastEventTime,
		OrdersAccepted: snap.OrdersAccepted,
		OrdersRejected: snap.OrdersRejected,
		Equity:         s.brk.Equity(),
		Position:       s.brk.Position(),
		BreakerState:   s.breaker.State().String(),
		BreakerReason:  s.breaker.Reason(),
		StoppedReason:  snap.StoppedReason,
	}
}
