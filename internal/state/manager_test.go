package state

import (
	"os"
	"path/filepath"
	"testing"

	"vigil/internal/broker"
	"vigil/internal/circuit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	m := NewManager(path)
	m.SetCircuit(circuit.Snapshot{Tripped: true, Reason: "three losses", ConsecutiveLosses: 3})
	m.SetBroker(broker.Snapshot{Equity: 9400, RealizedPnL: -600, FilledIDs: []string{"a", "b"}})
	m.SetSession(SessionSnapshot{CyclesRun: 42, LastEventTime: 1700000000000, Running: true, KillEngaged: true})
	require.NoError(t, m.Save())

	fresh := NewManager(path)
	require.NoError(t, fresh.Load())
	assert.True(t, fresh.CircuitSnapshot().Tripped)
	assert.Equal(t, "three losses", fresh.CircuitSnapshot().Reason)
	assert.Equal(t, 9400.0, fresh.BrokerSnapshot().Equity)
	assert.Equal(t, []string{"a", "b"}, fresh.BrokerSnapshot().FilledIDs)
	assert.Equal(t, 42, fresh.SessionSnapshot().CyclesRun)
	assert.True(t, fresh.SessionSnapshot().Running, "a crashed session is recognizable on reload")
	assert.True(t, fresh.SessionSnapshot().KillEngaged)
}

func TestManagerLoadMissingFileIsClean(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, m.Load())
	assert.Zero(t, m.BrokerSnapshot().Equity)
	assert.False(t, m.CircuitSnapshot().Tripped)
}

func TestManagerLoadCorruptFileIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	m := NewManager(path)
	require.NoError(t, m.Load(), "corrupt state must not abort startup")
	assert.False(t, m.CircuitSnapshot().Tripped)
}

func TestManagerLoadFutureVersionIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{"version": 99, "circuit_breaker": {"tripped": true}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	m := NewManager(path)
	require.NoError(t, m.Load())
	assert.False(t, m.CircuitSnapshot().Tripped, "unknown versions are not trusted")
}

func TestManagerSaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	m := NewManager(path)
	m.SetSession(SessionSnapshot{CyclesRun: 1})
	require.NoError(t, m.Save())
	m.SetSession(SessionSnapshot{CyclesRun: 2})
	require.NoError(t, m.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	fresh := NewManager(path)
	require.NoError(t, fresh.Load())
	assert.Equal(t, 2, fresh.SessionSnapshot().CyclesRun)
}

func TestManagerSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	m := NewManager(path)
	require.NoError(t, m.Save())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
