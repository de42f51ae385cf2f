package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vigil/internal/broker"
	"vigil/internal/circuit"
	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/state"

	"gopkg.in/yaml.v3"
)

// Reporter writes the end-of-session summary artifact, a small YAML file an
// operator or a batch runner can read without opening the databases.
type Reporter struct {
	path  string
	journ *journal.Journal
}

func NewReporter(path string, journ *journal.Journal) *Reporter {
	return &Reporter{path: path, journ: journ}
}

type summary struct {
	StoppedReason string    `yaml:"stopped_reason"`
	KillEngaged   bool      `yaml:"kill_engaged"`
	StartedAt     time.Time `yaml:"started_at"`
	FinishedAt    time.Time `yaml:"finished_at"`
	CyclesRun     int       `yaml:"cycles_run"`

	Equity      float64 `yaml:"equity"`
	RealizedPnL float64 `yaml:"realized_pnl"`

	OrdersAccepted int `yaml:"orders_accepted"`
	OrdersRejected int `yaml:"orders_rejected"`

	Trades struct {
		Orders  int64   `yaml:"orders"`
		Fills   int64   `yaml:"fills"`
		Exits   int64   `yaml:"exits"`
		Cancels int64   `yaml:"cancels"`
		Wins    int64   `yaml:"wins"`
		Losses  int64   `yaml:"losses"`
		PnL     float64 `yaml:"pnl"`
	} `yaml:"trades"`

	Breaker struct {
		Tripped bool   `yaml:"tripped"`
		Reason  string `yaml:"reason,omitempty"`
	} `yaml:"circuit_breaker"`

	OpenPosition *broker.Position `yaml:"open_position,omitempty"`
}

func (r *Reporter) Write(reason StopReason, sess state.SessionSnapshot, brk broker.Snapshot, cb circuit.Snapshot) error {
	if r == nil || r.path == "" {
		return nil
	}
	var out summary
	out.StoppedReason = string(reason)
	out.KillEngaged = sess.KillEngaged
	out.StartedAt = sess.StartedAt
	out.FinishedAt = time.Now().UTC()
	out.CyclesRun = sess.CyclesRun
	out.Equity = brk.Equity
	out.RealizedPnL = brk.RealizedPnL
	out.OrdersAccepted = sess.OrdersAccepted
	out.OrdersRejected = sess.OrdersRejected
	out.Breaker.Tripped = cb.Tripped
	out.Breaker.Reason = cb.Reason
	out.OpenPosition = brk.Position

	if r.journ != nil {
		totals, err := r.journ.Totals()
		if err != nil {
			return fmt.Errorf("summary totals: %w", err)
		}
		out.Trades.Orders = totals.Orders
		out.Trades.Fills = totals.Fills
		out.Trades.Exits = totals.Exits
		out.Trades.Cancels = totals.Cancels
		out.Trades.Wins = totals.Wins
		out.Trades.Losses = totals.Losses
		out.Trades.PnL = totals.PnL
	}

	raw, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(r.path, raw, 0o644); err != nil {
		return err
	}
	logger.Infof("session summary written to %s", r.path)
	logger.InfoBlock(string(raw))
	return nil
}
