package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/pkg/retry"
)

// FeedConfig tunes one ResilientFeed instance.
type FeedConfig struct {
	Symbol   string
	Interval string

	// HeartbeatTimeout must be shorter than any connection-level watchdog
	// underneath, so staleness is repaired here first.
	HeartbeatTimeout time.Duration
	HeartbeatCheck   time.Duration

	BufferSize int
	Backfill   retry.Policy
}

// ResilientFeed wraps a raw Source with heartbeat staleness detection,
// forced reconnects and gap backfill. The scheduler consumes Events() and is
// guaranteed a strictly increasing, hole-free timestamp sequence: when a gap
// is detected after a break, live delivery is withheld until the backfilled
// range has been merged in.
//
// Buffering policy is freshness over completeness: the internal buffer is
// bounded and overflow drops the oldest event, raising a counter.
type ResilientFeed struct {
	cfg      FeedConfig
	src      Source
	sampling int64 // expected event spacing in ms

	out chan Event

	lastMsg    atomic.Int64 // wall-clock ms of last raw message
	staleFired atomic.Bool  // one reconnect per stale period
	overflows  atomic.Int64
	reconnects atomic.Int64

	errMu   sync.Mutex
	termErr error

	nowFn     func() time.Time
	startOnce sync.Once
}

func NewResilientFeed(src Source, cfg FeedConfig) (*ResilientFeed, error) {
	if src == nil {
		return nil, fmt.Errorf("resilient feed requires a source")
	}
	dur, ok := ParseIntervalDuration(cfg.Interval)
	if !ok {
		return nil, fmt.Errorf("resilient feed: invalid interval %q", cfg.Interval)
	}
	if cfg.HeartbeatTimeout <= 0 || cfg.HeartbeatCheck <= 0 {
		return nil, fmt.Errorf("resilient feed: heartbeat timing must be > 0")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.Backfill.MaxAttempts <= 0 {
		cfg.Backfill = retry.DefaultPolicy()
	}
	return &ResilientFeed{
		cfg:      cfg,
		src:      src,
		sampling: dur.Milliseconds(),
		out:      make(chan Event, cfg.BufferSize),
		nowFn:    time.Now,
	}, nil
}

// Start subscribes to the source and launches the pump and heartbeat
// goroutines. The heartbeat only ever signals through atomics and
// src.Reconnect; it never touches the event stream directly.
func (f *ResilientFeed) Start(ctx context.Context) error {
	events, err := f.src.Subscribe(ctx, f.cfg.Symbol, f.cfg.Interval, SubscribeOptions{
		Buffer: f.cfg.BufferSize,
		OnDisconnect: func(err error) {
			if err != nil {
				logger.Warnf("[feed] source disconnected: %v", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("feed subscribe failed: %w", err)
	}
	f.startOnce.Do(func() {
		go f.pump(ctx, events)
		go f.heartbeat(ctx)
	})
	return nil
}

// Events is the scheduler-facing stream. Closed on terminal failure or
// context cancellation; Err() explains a close that was not clean.
func (f *ResilientFeed) Events() <-chan Event { return f.out }

// Err reports the terminal feed error, if any, once Events is closed.
func (f *ResilientFeed) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.termErr
}

func (f *ResilientFeed) LastMessageAt() time.Time {
	ms := f.lastMsg.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (f *ResilientFeed) Overflows() int64  { return f.overflows.Load() }
func (f *ResilientFeed) Reconnects() int64 { return f.reconnects.Load() }

func (f *ResilientFeed) setTermErr(err error) {
	f.errMu.Lock()
	if f.termErr == nil {
		f.termErr = err
	}
	f.errMu.Unlock()
}

func (f *ResilientFeed) markMessage() {
	f.lastMsg.Store(f.nowFn().UnixMilli())
	f.staleFired.Store(false)
}

func (f *ResilientFeed) pump(ctx context.Context, events <-chan Event) {
	defer close(f.out)
	var lastDelivered int64
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				fresh, err := f.resubscribe(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, ErrFeedExhausted) {
						f.setTermErr(err)
						logger.Infof("[feed] source exhausted, ending stream: %v", err)
						return
					}
					f.setTermErr(fmt.Errorf("%w: %v", ErrFeedFailed, err))
					logger.Errorf("[feed] source dead after retries, aborting stream: %v", err)
					return
				}
				events = fresh
				continue
			}
			f.markMessage()
			if evt.Time <= lastDelivered {
				// out-of-order or duplicate, never surfaced downstream
				continue
			}
			if lastDelivered > 0 && evt.Time-lastDelivered > f.sampling {
				merged, err := f.backfillGap(ctx, lastDelivered, evt.Time)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					f.setTermErr(err)
					logger.Errorf("[feed] backfill failed, aborting stream: %v", err)
					return
				}
				for _, b := range merged {
					if b.Time <= lastDelivered {
						continue
					}
					f.deliver(b)
					lastDelivered = b.Time
				}
			}
			f.deliver(evt)
			lastDelivered = evt.Time
		}
	}
}

// backfillGap fetches the missing range (exclusive of both endpoints'
// delivered events) and returns it ordered. Live delivery is blocked for the
// duration: the caller only resumes once the result is merged.
func (f *ResilientFeed) backfillGap(ctx context.Context, lastTime, nextTime int64) ([]Event, error) {
	from := lastTime + f.sampling
	logger.Warnf("[feed] gap detected %s: last=%d next=%d, backfilling", f.cfg.Symbol, lastTime, nextTime)
	var candles []Candle
	err := f.cfg.Backfill.Do(ctx, func() error {
		var ferr error
		candles, ferr = f.src.FetchRange(ctx, f.cfg.Symbol, f.cfg.Interval, from, nextTime)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: backfill %s [%d,%d): %v", ErrFeedFailed, f.cfg.Symbol, from, nextTime, err)
	}
	out := make([]Event, 0, len(candles))
	for i := range candles {
		c := candles[i]
		ts := c.CloseTime
		if ts <= 0 {
			ts = c.OpenTime
		}
		if ts >= nextTime {
			continue
		}
		out = append(out, Event{
			Symbol:   f.cfg.Symbol,
			Interval: f.cfg.Interval,
			Time:     ts,
			Candle:   &c,
		})
	}
	logger.Infof("[feed] backfill merged %d candle(s) for %s", len(out), f.cfg.Symbol)
	return out, nil
}

// deliver pushes one event downstream, dropping the oldest buffered event on
// overflow.
func (f *ResilientFeed) deliver(evt Event) {
	select {
	case f.out <- evt:
		return
	default:
	}
	select {
	case dropped := <-f.out:
		f.overflows.Add(1)
		logger.Warnf("[feed] buffer full, dropped event t=%d (overflows=%d)", dropped.Time, f.overflows.Load())
	default:
	}
	select {
	case f.out <- evt:
	default:
	}
}

func (f *ResilientFeed) resubscribe(ctx context.Context) (<-chan Event, error) {
	var fresh <-chan Event
	err := f.cfg.Backfill.Do(ctx, func() error {
		if err := f.src.Reconnect(ctx); err != nil {
			return err
		}
		ch, err := f.src.Subscribe(ctx, f.cfg.Symbol, f.cfg.Interval, SubscribeOptions{Buffer: f.cfg.BufferSize})
		if err != nil {
			return err
		}
		fresh = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.reconnects.Add(1)
	return fresh, nil
}

// heartbeat runs the independent staleness check. It fires at most one
// forced reconnect per stale period: the flag is only re-armed when a fresh
// message arrives.
func (f *ResilientFeed) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.HeartbeatCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := f.lastMsg.Load()
			if last == 0 {
				continue
			}
			silent := f.nowFn().UnixMilli() - last
			if silent <= f.cfg.HeartbeatTimeout.Milliseconds() {
				continue
			}
			if !f.staleFired.CompareAndSwap(false, true) {
				continue
			}
			f.reconnects.Add(1)
			logger.Warnf("[feed] no message for %dms (timeout=%s), forcing reconnect", silent, f.cfg.HeartbeatTimeout)
			if err := f.src.Reconnect(ctx); err != nil {
				logger.Errorf("[feed] forced reconnect failed: %v", err)
			}
		}
	}
}
