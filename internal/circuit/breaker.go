package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/internal/logger"
)

// ErrTripped marks an intentional trading halt. It is not a fault and must
// stay distinguishable from crashes in logs and persisted state.
var ErrTripped = errors.New("circuit breaker tripped")

type State int

const (
	StateArmed State = iota
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "ARMED"
	case StateTripped:
		return "TRIPPED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	ConsecutiveLosses int
	MaxDrawdownPct    float64
}

// Snapshot is the persisted form. The tripped flag survives restarts; only
// an explicit Reset ever clears it.
type Snapshot struct {
	Tripped           bool      `json:"tripped"`
	Reason            string    `json:"reason,omitempty"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	PeakEquity        float64   `json:"peak_equity"`
	TrippedAt         time.Time `json:"tripped_at,omitzero"`
}

// Breaker halts order submission after sustained losses or excessive
// drawdown. Armed -> Tripped happens inside RecordOutcome; Tripped -> Armed
// only through Reset, never automatically and never by restarting.
type Breaker struct {
	mu         sync.Mutex
	cfg        Config
	state      State
	reason     string
	losses     int
	peakEquity float64
	trippedAt  time.Time

	onStateChange func(from, to State, reason string)
}

func NewBreaker(cfg Config) *Breaker {
	if cfg.ConsecutiveLosses <= 0 {
		cfg.ConsecutiveLosses = 3
	}
	if cfg.MaxDrawdownPct <= 0 {
		cfg.MaxDrawdownPct = 0.10
	}
	return &Breaker{cfg: cfg, state: StateArmed}
}

// SetStateChangeHandler installs the transition hook. It runs synchronously
// on the goroutine that caused the transition, with the breaker lock held:
// the handler must not call back into the breaker.
func (b *Breaker) SetStateChangeHandler(handler func(from, to State, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

// Allow reports whether order submission may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateArmed
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// RecordOutcome feeds one cycle's realized result into the breaker. A zero
// pnl with no closed position is a no-op for the loss streak but still
// tracks the equity peak for drawdown.
func (b *Breaker) RecordOutcome(pnl, equity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if equity > b.peakEquity {
		b.peakEquity = equity
	}
	if b.state == StateTripped {
		return
	}
	switch {
	case pnl < 0:
		b.losses++
	case pnl > 0:
		b.losses = 0
	}
	if b.losses >= b.cfg.ConsecutiveLosses {
		b.trip(reasonLossStreak(b.losses))
		return
	}
	if b.peakEquity > 0 {
		drawdown := (b.peakEquity - equity) / b.peakEquity
		if drawdown >= b.cfg.MaxDrawdownPct {
			b.trip(reasonDrawdown(drawdown, b.cfg.MaxDrawdownPct))
		}
	}
}

// Reset is the single path back to Armed. It must come from an explicit
// external action; the scheduler never calls it.
func (b *Breaker) Reset(actor string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateTripped {
		return "", false
	}
	prior := b.reason
	b.transition(StateArmed, "")
	b.reason = ""
	b.losses = 0
	b.trippedAt = time.Time{}
	logger.Warnf("circuit breaker reset by %s (was: %s)", actor, prior)
	return prior, true
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Tripped:           b.state == StateTripped,
		Reason:            b.reason,
		ConsecutiveLosses: b.losses,
		PeakEquity:        b.peakEquity,
		TrippedAt:         b.trippedAt,
	}
}

// Restore loads a persisted snapshot verbatim. A tripped snapshot blocks
// submission from the very first cycle after a restart.
func (b *Breaker) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.losses = snap.ConsecutiveLosses
	b.peakEquity = snap.PeakEquity
	b.trippedAt = snap.TrippedAt
	b.reason = snap.Reason
	if snap.Tripped {
		b.state = StateTripped
		logger.Warnf("circuit breaker restored TRIPPED: %s", snap.Reason)
	} else {
		b.state = StateArmed
	}
}

func (b *Breaker) trip(reason string) {
	b.reason = reason
	b.trippedAt = time.Now().UTC()
	b.transition(StateTripped, reason)
}

func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to, reason)
	}
	if to == StateTripped {
		logger.Warnf("circuit breaker %s -> %s: %s (losses=%d/%d)",
			from, to, reason, b.losses, b.cfg.ConsecutiveLosses)
	}
}

func reasonLossStreak(losses int) string {
	return fmt.Sprintf("consecutive losses reached threshold: %d", losses)
}

func reasonDrawdown(dd, limit float64) string {
	return fmt.Sprintf("drawdown %.2f%% exceeded limit %.2f%%", dd*100, limit*100)
}
