package service

import (
	"testing"
	"time"

	"services/session-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionStoreAppendAndRead(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())

	bars := []model.Bar{
		nyBar(t, "AAPL", "09:30", 100),
		nyBar(t, "AAPL", "09:31", 101),
		nyBar(t, "AAPL", "09:32", 102),
	}
	for _, b := range bars {
		require.NoError(t, store.AppendBar(b))
	}

	latest, ok := store.Latest("AAPL", model.Interval1m)
	require.True(t, ok)
	assert.Equal(t, bars[2].Timestamp, latest.Timestamp)

	lastTwo := store.LastN("AAPL", model.Interval1m, 2)
	require.Len(t, lastTwo, 2)
	assert.Equal(t, bars[1].Timestamp, lastTwo[0].Timestamp)
	assert.Equal(t, bars[2].Timestamp, lastTwo[1].Timestamp)
	assert.True(t, lastTwo[0].Timestamp.Before(lastTwo[1].Timestamp))

	since := store.Since("AAPL", model.Interval1m, bars[1].Timestamp)
	require.Len(t, since, 2)
	assert.Equal(t, bars[1].Timestamp, since[0].Timestamp)
}

func TestSessionStoreRejectsNonMonotonicAppend(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())

	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:31", 100)))

	err := store.AppendBar(nyBar(t, "AAPL", "09:31", 100))
	assert.ErrorIs(t, err, ErrNonMonotonic)

	err = store.AppendBar(nyBar(t, "AAPL", "09:30", 100))
	assert.ErrorIs(t, err, ErrNonMonotonic)
}

func TestSessionStoreMergeBarsFillsMiddle(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())

	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:30", 100)))
	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:33", 103)))

	inserted := store.MergeBars("AAPL", model.Interval1m, []model.Bar{
		nyBar(t, "AAPL", "09:31", 101),
		nyBar(t, "AAPL", "09:32", 102),
		nyBar(t, "AAPL", "09:33", 999), // duplicate timestamp, skipped
	})
	assert.Equal(t, 2, inserted)

	seq := store.Bars("AAPL", model.Interval1m)
	require.Len(t, seq, 4)
	for i := 1; i < len(seq); i++ {
		assert.True(t, seq[i-1].Timestamp.Before(seq[i].Timestamp))
	}
	assert.Equal(t, 103.0, seq[3].Close)
}

func TestSessionStoreRollClearsIntradayKeepsHistorical(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())

	hist := []model.Bar{nyBar(t, "AAPL", "09:30", 90)}
	store.LoadHistorical("AAPL", model.Interval1m, hist)
	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:31", 100)))
	store.SetQuality("AAPL", 80)

	day2 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	store.Roll(day2)

	assert.Empty(t, store.Bars("AAPL", model.Interval1m))
	assert.Len(t, store.Historical("AAPL", model.Interval1m), 1)
	assert.Equal(t, 0.0, store.Quality("AAPL"))
	assert.Equal(t, day2, store.Date())

	// Idempotent per date: a second roll to the same date is a no-op.
	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:32", 101)))
	store.Roll(day2)
	assert.Len(t, store.Bars("AAPL", model.Interval1m), 1)
}

func TestSessionStoreRemoveRespectsLock(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())
	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:30", 100)))

	require.True(t, store.Lock("AAPL", "open position"))
	assert.False(t, store.Remove("AAPL"), "locked symbol must not be removed")
	assert.Contains(t, store.Symbols(), "AAPL")

	store.Unlock("AAPL")
	assert.True(t, store.Remove("AAPL"))
	assert.NotContains(t, store.Symbols(), "AAPL")

	assert.False(t, store.Remove("UNKNOWN"))
}

func TestSessionStoreUpdatedFlag(t *testing.T) {
	store := NewSessionStore(0, zap.NewNop())

	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:30", 100)))
	require.NoError(t, store.AppendBar(nyBar(t, "MSFT", "09:30", 370)))

	assert.Equal(t, []string{"AAPL", "MSFT"}, store.UpdatedSymbols())

	store.ClearUpdated("AAPL")
	assert.Equal(t, []string{"MSFT"}, store.UpdatedSymbols())

	require.NoError(t, store.AppendBar(nyBar(t, "AAPL", "09:31", 101)))
	assert.Contains(t, store.UpdatedSymbols(), "AAPL")
}

func TestSessionStoreBoundedSeries(t *testing.T) {
	store := NewSessionStore(5, zap.NewNop())

	base := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		require.NoError(t, store.AppendBar(model.Bar{
			Symbol:    "AAPL",
			Interval:  model.Interval1m,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Close:     float64(i),
		}))
	}

	seq := store.Bars("AAPL", model.Interval1m)
	require.Len(t, seq, 5)
	assert.Equal(t, base.Add(3*time.Minute), seq[0].Timestamp)
}
