package market

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"vigil/internal/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchCall struct {
	from, to int64
}

type stubSource struct {
	mu         sync.Mutex
	stream     chan Event
	reconnects int
	subCalls   int
	fetches    []fetchCall

	fetchFn      func(from, to int64) ([]Candle, error)
	reconnectErr error
	subscribeErr error
}

func newStubSource() *stubSource {
	return &stubSource{stream: make(chan Event, 64)}
}

func (s *stubSource) FetchRange(_ context.Context, _, _ string, from, to int64) ([]Candle, error) {
	s.mu.Lock()
	s.fetches = append(s.fetches, fetchCall{from: from, to: to})
	fn := s.fetchFn
	s.mu.Unlock()
	if fn != nil {
		return fn(from, to)
	}
	return nil, nil
}

func (s *stubSource) Subscribe(context.Context, string, string, SubscribeOptions) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subCalls++
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	return s.stream, nil
}

func (s *stubSource) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return s.reconnectErr
}

func (s *stubSource) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func (s *stubSource) fetchCalls() []fetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fetchCall(nil), s.fetches...)
}

func (s *stubSource) Stats() SourceStats { return SourceStats{} }
func (s *stubSource) Close() error       { return nil }

func testFeedConfig() FeedConfig {
	return FeedConfig{
		Symbol:           "BTC/USDT",
		Interval:         "1m",
		HeartbeatTimeout: time.Hour, // heartbeat out of the way unless the test wants it
		HeartbeatCheck:   time.Minute,
		BufferSize:       64,
		Backfill:         retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
}

func candleAt(ts int64) Event {
	return Event{
		Symbol:   "BTC/USDT",
		Interval: "1m",
		Time:     ts,
		Candle:   &Candle{OpenTime: ts - 60_000, CloseTime: ts, Close: 100, Volume: 10},
	}
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "stream closed early after %d events", len(out))
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestFeedPassesOrderedEventsThrough(t *testing.T) {
	src := newStubSource()
	feed, err := NewResilientFeed(src, testFeedConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	base := int64(1_700_000_000_000)
	src.stream <- candleAt(base)
	src.stream <- candleAt(base + 60_000)

	events := collect(t, feed.Events(), 2)
	assert.Equal(t, base, events[0].Time)
	assert.Equal(t, base+60_000, events[1].Time)
	assert.Empty(t, src.fetchCalls(), "contiguous stream never triggers a backfill")
}

func TestFeedDropsOutOfOrderEvents(t *testing.T) {
	src := newStubSource()
	feed, err := NewResilientFeed(src, testFeedConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	base := int64(1_700_000_000_000)
	src.stream <- candleAt(base)
	src.stream <- candleAt(base - 60_000) // stale, must vanish
	src.stream <- candleAt(base)          // duplicate, must vanish
	src.stream <- candleAt(base + 60_000)

	events := collect(t, feed.Events(), 2)
	assert.Equal(t, base, events[0].Time)
	assert.Equal(t, base+60_000, events[1].Time)
}

func TestFeedBackfillsGapBeforeLiveDelivery(t *testing.T) {
	src := newStubSource()
	base := int64(1_700_000_000_000)
	src.fetchFn = func(from, to int64) ([]Candle, error) {
		var out []Candle
		for ts := from; ts < to; ts += 60_000 {
			out = append(out, Candle{OpenTime: ts - 60_000, CloseTime: ts, Close: 100, Volume: 5})
		}
		return out, nil
	}

	feed, err := NewResilientFeed(src, testFeedConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	src.stream <- candleAt(base)
	// Three intervals go missing, then the stream resumes.
	src.stream <- candleAt(base + 4*60_000)

	events := collect(t, feed.Events(), 5)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, int64(60_000), events[i].Time-events[i-1].Time,
			"delivered sequence must be hole-free")
	}
	calls := src.fetchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, base+60_000, calls[0].from)
	assert.Equal(t, base+4*60_000, calls[0].to)
}

func TestFeedBackfillFailureIsTerminal(t *testing.T) {
	src := newStubSource()
	src.fetchFn = func(int64, int64) ([]Candle, error) {
		return nil, fmt.Errorf("rest endpoint down")
	}

	feed, err := NewResilientFeed(src, testFeedConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	base := int64(1_700_000_000_000)
	src.stream <- candleAt(base)
	collect(t, feed.Events(), 1)
	src.stream <- candleAt(base + 10*60_000)

	select {
	case _, ok := <-feed.Events():
		assert.False(t, ok, "stream must close instead of delivering past the gap")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
	assert.ErrorIs(t, feed.Err(), ErrFeedFailed)
	assert.NotErrorIs(t, feed.Err(), ErrFeedExhausted, "a dead feed is a fault, not a clean end")
}

func TestFeedResubscribesWhenSourceCloses(t *testing.T) {
	src := newStubSource()
	feed, err := NewResilientFeed(src, testFeedConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	base := int64(1_700_000_000_000)
	src.stream <- candleAt(base)
	collect(t, feed.Events(), 1)

	old := src.stream
	src.mu.Lock()
	src.stream = make(chan Event, 64)
	src.mu.Unlock()
	close(old)

	src.stream <- candleAt(base + 60_000)
	events := collect(t, feed.Events(), 1)
	assert.Equal(t, base+60_000, events[0].Time)
	assert.GreaterOrEqual(t, src.reconnectCount(), 1)
	assert.EqualValues(t, 1, feed.Reconnects())
}

func TestFeedFailsWhenReconnectKeepsFailing(t *testing.T) {
	src := newStubSource()
	src.reconnectErr = fmt.Errorf("connection refused")

	feed, err := NewResilientFeed(src, testFeedConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	close(src.stream)

	select {
	case _, ok := <-feed.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
	assert.ErrorIs(t, feed.Err(), ErrFeedFailed)
	assert.NotErrorIs(t, feed.Err(), ErrFeedExhausted)
}

func TestFeedEndsCleanlyWhenSourceIsExhausted(t *testing.T) {
	src := newStubSource()
	feed, err := NewResilientFeed(src, testFeedConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	// The resubscribe after the close finds a drained source.
	src.mu.Lock()
	src.subscribeErr = fmt.Errorf("%w: nothing left to stream", ErrFeedExhausted)
	src.mu.Unlock()
	close(src.stream)

	select {
	case _, ok := <-feed.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
	assert.ErrorIs(t, feed.Err(), ErrFeedExhausted, "a finite stream running out is a clean stop")
	assert.NotErrorIs(t, feed.Err(), ErrFeedFailed)
}

func TestFeedDefaultsBackfillPolicy(t *testing.T) {
	src := newStubSource()
	cfg := testFeedConfig()
	cfg.Backfill = retry.Policy{}

	feed, err := NewResilientFeed(src, cfg)
	require.NoError(t, err)
	assert.Equal(t, retry.DefaultPolicy(), feed.cfg.Backfill,
		"an unset retry budget falls back to the standard policy")
}

func TestFeedHeartbeatForcesOneReconnectPerStalePeriod(t *testing.T) {
	src := newStubSource()
	cfg := testFeedConfig()
	cfg.HeartbeatTimeout = 40 * time.Millisecond
	cfg.HeartbeatCheck = 5 * time.Millisecond

	feed, err := NewResilientFeed(src, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Start(ctx))

	base := int64(1_700_000_000_000)
	src.stream <- candleAt(base)
	collect(t, feed.Events(), 1)

	// Silence long enough for many check ticks past the timeout: still only
	// one forced reconnect until a fresh message re-arms the trigger.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, src.reconnectCount())

	src.stream <- candleAt(base + 60_000)
	collect(t, feed.Events(), 1)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, src.reconnectCount())
}

func TestFeedDeliverDropsOldestOnOverflow(t *testing.T) {
	src := newStubSource()
	cfg := testFeedConfig()
	cfg.BufferSize = 2

	feed, err := NewResilientFeed(src, cfg)
	require.NoError(t, err)

	base := int64(1_700_000_000_000)
	feed.deliver(candleAt(base))
	feed.deliver(candleAt(base + 60_000))
	feed.deliver(candleAt(base + 120_000))

	assert.EqualValues(t, 1, feed.Overflows())
	first := <-feed.Events()
	second := <-feed.Events()
	assert.Equal(t, base+60_000, first.Time, "oldest event was sacrificed")
	assert.Equal(t, base+120_000, second.Time)
}
