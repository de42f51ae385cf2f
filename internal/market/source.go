package market

import (
	"context"
	"errors"
)

// ErrFeedExhausted marks the clean end of a finite stream, a fully played
// replay file. The session stops with no error.
var ErrFeedExhausted = errors.New("market feed exhausted")

// ErrFeedFailed marks a feed that died after the retry budget was spent on
// reconnects or backfill. The session aborts and the process exits non-zero;
// trading must never continue silently on a dead feed.
var ErrFeedFailed = errors.New("market feed failed after retries")

// ErrSchemaInvalid marks a malformed inbound payload. The offending event is
// dropped and the stream continues; it is never escalated.
var ErrSchemaInvalid = errors.New("market event failed schema validation")

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	Dropped         int
	LastError       string
}

// Source is a raw streaming market-data provider. ResilientFeed wraps one of
// these; the scheduler never talks to a Source directly.
type Source interface {
	// FetchRange returns closed candles with open time in [from, to),
	// ordered by open time. Used for gap backfill after a reconnect.
	FetchRange(ctx context.Context, symbol, interval string, from, to int64) ([]Candle, error)

	// Subscribe starts streaming events for one symbol/interval. The channel
	// is closed when ctx is cancelled or the source shuts down. A source is
	// expected to survive transient failures by resubscribing internally and
	// reporting them through Stats/OnDisconnect.
	Subscribe(ctx context.Context, symbol, interval string, opts SubscribeOptions) (<-chan Event, error)

	// Reconnect forces the underlying connection to be torn down and
	// re-established. Called by the resilience layer on heartbeat expiry.
	Reconnect(ctx context.Context) error

	Stats() SourceStats

	Close() error
}
