package service

import (
	"context"
	"testing"
	"time"

	"services/session-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func upkeepFixture(t *testing.T, sources []HistoricalSource) (*UpkeepService, *SessionStore, *SessionClock) {
	t.Helper()

	store := NewSessionStore(0, zap.NewNop())
	open := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	store.SetSessionStart(open)
	store.SetActive(true)
	clock := NewSessionClock(open.Add(5 * time.Minute))

	upkeep, err := NewUpkeepService(store, clock, sources, nil, testSessionConfig(), zap.NewNop())
	require.NoError(t, err)
	return upkeep, store, clock
}

func TestUpkeepFillsGapAndRestoresQuality(t *testing.T) {
	// 1-minute bars 09:30-09:35 NY with 09:32 missing; the historical source
	// has the missing bar.
	missing := nyBar(t, "AAPL", "09:32", 102)
	upkeep, store, _ := upkeepFixture(t, []HistoricalSource{
		cannedSource("canned", []model.Bar{missing}),
	})

	for _, hhmm := range []string{"09:30", "09:31", "09:33", "09:34"} {
		require.NoError(t, store.AppendBar(nyBar(t, "AAPL", hhmm, 100)))
	}

	upkeep.runCycle(context.Background())

	assert.Equal(t, 100.0, store.Quality("AAPL"))

	last := store.LastN("AAPL", model.Interval1m, 5)
	require.Len(t, last, 5)
	want := []string{"09:30", "09:31", "09:32", "09:33", "09:34"}
	for i, hhmm := range want {
		assert.Equal(t, nyBar(t, "AAPL", hhmm, 0).Timestamp, last[i].Timestamp)
	}
}

func TestUpkeepQualityReflectsMissingBars(t *testing.T) {
	upkeep, store, _ := upkeepFixture(t, []HistoricalSource{
		cannedSource("empty", nil),
	})

	for _, hhmm := range []string{"09:30", "09:31", "09:33", "09:34"} {
		require.NoError(t, store.AppendBar(nyBar(t, "AAPL", hhmm, 100)))
	}

	upkeep.runCycle(context.Background())
	assert.Equal(t, 80.0, store.Quality("AAPL"))

	// Quality is non-decreasing as the gap fills on a later cycle.
	upkeep.sources = []HistoricalSource{
		cannedSource("late", []model.Bar{nyBar(t, "AAPL", "09:32", 102)}),
	}
	upkeep.runCycle(context.Background())
	assert.Equal(t, 100.0, store.Quality("AAPL"))
}

func TestUpkeepAbandonsGapAfterRetryCeiling(t *testing.T) {
	upkeep, store, _ := upkeepFixture(t, []HistoricalSource{
		cannedSource("empty", nil),
	})

	for _, hhmm := range []string{"09:30", "09:31", "09:33", "09:34"} {
		require.NoError(t, store.AppendBar(nyBar(t, "AAPL", hhmm, 100)))
	}

	// Ceiling is 3 in the test config; each empty-result cycle consumes one
	// retry, then the gap is abandoned without raising.
	for i := 0; i < 5; i++ {
		upkeep.runCycle(context.Background())
	}

	assert.Len(t, upkeep.abandoned, 1)
	assert.Equal(t, 80.0, store.Quality("AAPL"))
}

func TestUpkeepRecomputesDerivedBars(t *testing.T) {
	upkeep, store, _ := upkeepFixture(t, []HistoricalSource{
		cannedSource("empty", nil),
	})

	for _, hhmm := range []string{"09:30", "09:31", "09:32", "09:33", "09:34"} {
		require.NoError(t, store.AppendBar(nyBar(t, "AAPL", hhmm, 100)))
	}

	upkeep.runCycle(context.Background())

	derived := store.Bars("AAPL", model.Interval5m)
	require.Len(t, derived, 1)
	assert.Equal(t, nyBar(t, "AAPL", "09:30", 0).Timestamp, derived[0].Timestamp)
	assert.Empty(t, store.UpdatedSymbols(), "updated flag cleared after recompute")
}

func TestUpkeepSkipsInactiveStore(t *testing.T) {
	upkeep, store, _ := upkeepFixture(t, []HistoricalSource{
		cannedSource("empty", nil),
	})
	store.SetActive(false)

	for _, hhmm := range []string{"09:30", "09:33"} {
		require.NoError(t, store.AppendBar(nyBar(t, "AAPL", hhmm, 100)))
	}

	upkeep.runCycle(context.Background())
	assert.Equal(t, 0.0, store.Quality("AAPL"), "no quality accounting while inactive")
}

func TestUpkeepForgetsRetryStateAcrossRoll(t *testing.T) {
	upkeep, store, _ := upkeepFixture(t, []HistoricalSource{
		cannedSource("empty", nil),
	})

	for _, hhmm := range []string{"09:30", "09:31", "09:33", "09:34"} {
		require.NoError(t, store.AppendBar(nyBar(t, "AAPL", hhmm, 100)))
	}

	for i := 0; i < 5; i++ {
		upkeep.runCycle(context.Background())
	}
	require.NotEmpty(t, upkeep.retries)
	require.NotEmpty(t, upkeep.abandoned)

	// A roll clears the series the retry keys refer to; the bookkeeping must
	// not outlive them.
	store.Roll(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	upkeep.runCycle(context.Background())

	assert.Empty(t, upkeep.retries)
	assert.Empty(t, upkeep.abandoned)
}

func TestUpkeepTriesSourcesInOrder(t *testing.T) {
	failing := QuerySource("failing", func(context.Context, string, model.Interval, time.Time, time.Time) ([]model.Bar, error) {
		return nil, assert.AnError
	})
	working := cannedSource("working", []model.Bar{nyBar(t, "AAPL", "09:32", 102)})

	upkeep, store, _ := upkeepFixture(t, []HistoricalSource{failing, working})

	for _, hhmm := range []string{"09:30", "09:31", "09:33", "09:34"} {
		require.NoError(t, store.AppendBar(nyBar(t, "AAPL", hhmm, 100)))
	}

	upkeep.runCycle(context.Background())
	assert.Equal(t, 100.0, store.Quality("AAPL"))
}
