package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterConsecutiveLosses(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 3, MaxDrawdownPct: 0.5})

	b.RecordOutcome(-10, 990)
	b.RecordOutcome(-10, 980)
	assert.True(t, b.Allow(), "two losses must not trip a threshold of three")

	b.RecordOutcome(-10, 970)
	assert.False(t, b.Allow())
	assert.Equal(t, StateTripped, b.State())
	assert.Contains(t, b.Reason(), "consecutive losses")
}

func TestBreakerWinResetsLossStreak(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 3, MaxDrawdownPct: 0.5})

	b.RecordOutcome(-10, 990)
	b.RecordOutcome(-10, 980)
	b.RecordOutcome(5, 985)
	b.RecordOutcome(-10, 975)
	b.RecordOutcome(-10, 965)
	assert.True(t, b.Allow(), "streak restarted after the win")

	b.RecordOutcome(-10, 955)
	assert.False(t, b.Allow())
}

func TestBreakerTripsOnDrawdown(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 100, MaxDrawdownPct: 0.10})

	b.RecordOutcome(50, 1050) // establishes the peak
	b.RecordOutcome(-200, 850)
	assert.False(t, b.Allow())
	assert.Contains(t, b.Reason(), "drawdown")
}

func TestBreakerNeverUnTripsOnItsOwn(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 1, MaxDrawdownPct: 0.5})
	b.RecordOutcome(-1, 999)
	assert.False(t, b.Allow())

	// Wins after the trip change nothing.
	b.RecordOutcome(100, 1099)
	b.RecordOutcome(100, 1199)
	assert.False(t, b.Allow())
}

func TestBreakerResetRequiresTrippedState(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 1, MaxDrawdownPct: 0.5})

	_, ok := b.Reset("ops")
	assert.False(t, ok, "reset on an armed breaker is a no-op")

	b.RecordOutcome(-1, 999)
	prior, ok := b.Reset("ops")
	assert.True(t, ok)
	assert.NotEmpty(t, prior)
	assert.True(t, b.Allow())
	assert.Empty(t, b.Reason())
}

func TestBreakerSnapshotRoundTrip(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 2, MaxDrawdownPct: 0.5})
	b.RecordOutcome(-1, 999)
	b.RecordOutcome(-1, 998)
	snap := b.Snapshot()
	assert.True(t, snap.Tripped)
	assert.Equal(t, 2, snap.ConsecutiveLosses)

	restored := NewBreaker(Config{ConsecutiveLosses: 2, MaxDrawdownPct: 0.5})
	restored.Restore(snap)
	assert.False(t, restored.Allow(), "tripped state survives a restart")
	assert.Equal(t, snap.Reason, restored.Reason())
}

func TestBreakerRestoredTripBlocksFirstCycle(t *testing.T) {
	restored := NewBreaker(Config{ConsecutiveLosses: 3, MaxDrawdownPct: 0.5})
	restored.Restore(Snapshot{Tripped: true, Reason: "carried over", ConsecutiveLosses: 3})
	assert.False(t, restored.Allow())

	// Only the explicit reset re-arms it.
	_, ok := restored.Reset("operator")
	assert.True(t, ok)
	assert.True(t, restored.Allow())
}

func TestBreakerStateChangeHandlerSeesTransitions(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 1, MaxDrawdownPct: 0.5})

	type change struct {
		from, to State
		reason   string
	}
	var changes []change
	b.SetStateChangeHandler(func(from, to State, reason string) {
		changes = append(changes, change{from, to, reason})
	})

	b.RecordOutcome(-1, 999)
	require.Len(t, changes, 1, "trip fires the handler before RecordOutcome returns")
	assert.Equal(t, StateArmed, changes[0].from)
	assert.Equal(t, StateTripped, changes[0].to)
	assert.Contains(t, changes[0].reason, "consecutive losses")

	_, ok := b.Reset("ops")
	require.True(t, ok)
	require.Len(t, changes, 2)
	assert.Equal(t, StateTripped, changes[1].from)
	assert.Equal(t, StateArmed, changes[1].to)
	assert.Empty(t, changes[1].reason)
}

func TestBreakerZeroPnLKeepsStreak(t *testing.T) {
	b := NewBreaker(Config{ConsecutiveLosses: 2, MaxDrawdownPct: 0.5})
	b.RecordOutcome(-1, 999)
	b.RecordOutcome(0, 999)
	assert.True(t, b.Allow(), "flat outcome neither extends nor resets the streak")
	b.RecordOutcome(-1, 998)
	assert.False(t, b.Allow())
}
