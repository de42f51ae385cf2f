package market

import (
	"strconv"
	"strings"
	"time"
)

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Tick is an instantaneous quote. Bid/Ask may be zero when the source only
// reports trades; consumers fall back to Last plus a synthetic spread.
type Tick struct {
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Quantity  float64 `json:"quantity"`
	EventTime int64   `json:"event_time"`
}

// Event is the unit the session scheduler consumes, one per cycle.
// Exactly one of Candle/Tick is populated. Immutable once produced.
type Event struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval,omitempty"`
	Time     int64   `json:"time"`
	Candle   *Candle `json:"candle,omitempty"`
	Tick     *Tick   `json:"tick,omitempty"`
}

// Price returns the reference price for decision making: candle close, or
// tick mid when both sides are quoted, otherwise last.
func (e Event) Price() float64 {
	if e.Candle != nil {
		return e.Candle.Close
	}
	if e.Tick != nil {
		if e.Tick.Bid > 0 && e.Tick.Ask > 0 {
			return (e.Tick.Bid + e.Tick.Ask) / 2
		}
		return e.Tick.Last
	}
	return 0
}

// Volume returns the traded volume carried by the event, used as the
// liquidity proxy for simulated fills.
func (e Event) Volume() float64 {
	if e.Candle != nil {
		return e.Candle.Volume
	}
	if e.Tick != nil {
		return e.Tick.Quantity
	}
	return 0
}

// ParseIntervalDuration parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
