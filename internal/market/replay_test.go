package market

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeReplayFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func candleLine(ts int64, close float64) string {
	return fmt.Sprintf(
		`{"symbol":"BTC/USDT","interval":"1m","time":%d,"candle":{"open_time":%d,"close_time":%d,"open":%g,"high":%g,"low":%g,"close":%g,"volume":100}}`,
		ts, ts-60_000, ts, close, close, close, close)
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("replay stream never finished")
		}
	}
}

func TestReplaySourceStreamsInTimeOrder(t *testing.T) {
	base := int64(1_700_000_000_000)
	path := writeReplayFile(t,
		candleLine(base+120_000, 102), // deliberately shuffled
		candleLine(base, 100),
		candleLine(base+60_000, 101),
	)
	src, err := NewReplaySource(path)
	require.NoError(t, err)

	ch, err := src.Subscribe(context.Background(), "BTC/USDT", "1m", SubscribeOptions{})
	require.NoError(t, err)
	events := drain(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, base, events[0].Time)
	assert.Equal(t, base+60_000, events[1].Time)
	assert.Equal(t, base+120_000, events[2].Time)
}

func TestReplaySourceDropsMalformedLines(t *testing.T) {
	base := int64(1_700_000_000_000)
	path := writeReplayFile(t,
		candleLine(base, 100),
		`{"symbol":"BTC/USDT","time":`+fmt.Sprint(base+60_000)+`}`, // neither candle nor tick
		`not json at all`,
		`{"symbol":"","time":1,"tick":{"last":1}}`, // empty symbol
		candleLine(base+120_000, 102),
	)
	src, err := NewReplaySource(path)
	require.NoError(t, err)
	assert.Equal(t, 3, src.Stats().Dropped)

	ch, err := src.Subscribe(context.Background(), "BTC/USDT", "1m", SubscribeOptions{})
	require.NoError(t, err)
	assert.Len(t, drain(t, ch), 2, "only the valid lines survive")
}

func TestReplaySourceRejectsEmptyFile(t *testing.T) {
	path := writeReplayFile(t, "", "   ")
	_, err := NewReplaySource(path)
	assert.Error(t, err)
}

func TestReplaySourceFetchRange(t *testing.T) {
	base := int64(1_700_000_000_000)
	path := writeReplayFile(t,
		candleLine(base, 100),
		candleLine(base+60_000, 101),
		candleLine(base+120_000, 102),
		candleLine(base+180_000, 103),
	)
	src, err := NewReplaySource(path)
	require.NoError(t, err)

	candles, err := src.FetchRange(context.Background(), "BTC/USDT", "1m", base+60_000, base+180_000)
	require.NoError(t, err)
	require.Len(t, candles, 2, "range is inclusive of from, exclusive of to")
	assert.Equal(t, 101.0, candles[0].Close)
	assert.Equal(t, 102.0, candles[1].Close)
}

func TestReplaySourceSecondSubscribeIsExhausted(t *testing.T) {
	path := writeReplayFile(t, candleLine(1_700_000_000_000, 100))
	src, err := NewReplaySource(path)
	require.NoError(t, err)

	ch, err := src.Subscribe(context.Background(), "BTC/USDT", "1m", SubscribeOptions{})
	require.NoError(t, err)
	drain(t, ch)

	_, err = src.Subscribe(context.Background(), "BTC/USDT", "1m", SubscribeOptions{})
	assert.ErrorIs(t, err, ErrFeedExhausted)
}

func TestValidateEventPayloadTickOnly(t *testing.T) {
	line := `{"symbol":"BTC/USDT","time":1700000000000,"tick":{"bid":99.5,"ask":100.5,"last":100,"quantity":3}}`
	evt, err := decodeEventLine([]byte(line))
	require.NoError(t, err)
	require.NotNil(t, evt.Tick)
	assert.Equal(t, 100.0, evt.Price(), "mid price from the quoted spread")
	assert.Equal(t, 3.0, evt.Volume())
}
