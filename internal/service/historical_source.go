package service

import (
	"context"
	"errors"
	"time"

	"services/session-engine/internal/model"
	"services/session-engine/internal/repository"

	"github.com/jmoiron/sqlx"
)

// HistoricalQueryFunc is the generic calling shape for a historical source
type HistoricalQueryFunc func(ctx context.Context, symbol string, interval model.Interval, start, end time.Time) ([]model.Bar, error)

type sourceKind int

const (
	sourceDirect sourceKind = iota
	sourceRepository
	sourceQueryFunc
)

// HistoricalSource is a closed tagged variant over the calling conventions a
// historical backend may expose: a direct database handle, a repository, or a
// generic query function. Exactly one Query method dispatches on the variant,
// so call sites never duck-type the backend.
type HistoricalSource struct {
	kind    sourceKind
	name    string
	db      *sqlx.DB
	repo    *repository.MarketDataRepository
	queryFn HistoricalQueryFunc
}

// DirectSource wraps a raw database handle
func DirectSource(name string, db *sqlx.DB) HistoricalSource {
	return HistoricalSource{kind: sourceDirect, name: name, db: db}
}

// RepositorySource wraps a market data repository
func RepositorySource(name string, repo *repository.MarketDataRepository) HistoricalSource {
	return HistoricalSource{kind: sourceRepository, name: name, repo: repo}
}

// QuerySource wraps a generic query function
func QuerySource(name string, fn HistoricalQueryFunc) HistoricalSource {
	return HistoricalSource{kind: sourceQueryFunc, name: name, queryFn: fn}
}

// Name identifies the source in logs
func (s HistoricalSource) Name() string { return s.name }

// Query fetches bars for symbol+interval in [start, end). An empty result
// means the data is not yet available, not an error.
func (s HistoricalSource) Query(ctx context.Context, symbol string, interval model.Interval, start, end time.Time) ([]model.Bar, error) {
	switch s.kind {
	case sourceDirect:
		if s.db == nil {
			return nil, errors.New("direct source has no database handle")
		}
		query := `
			SELECT symbol, interval, bar_time, open, high, low, close, volume
			FROM market_data
			WHERE symbol = $1 AND interval = $2 AND bar_time >= $3 AND bar_time < $4
			ORDER BY bar_time
		`
		var bars []model.Bar
		if err := s.db.SelectContext(ctx, &bars, query, symbol, string(interval), start.UTC(), end.UTC()); err != nil {
			return nil, err
		}
		for i := range bars {
			bars[i].Timestamp = bars[i].Timestamp.UTC()
		}
		return bars, nil
	case sourceRepository:
		if s.repo == nil {
			return nil, errors.New("repository source has no repository")
		}
		return s.repo.GetBars(ctx, symbol, interval, start, end)
	case sourceQueryFunc:
		if s.queryFn == nil {
			return nil, errors.New("query source has no function")
		}
		return s.queryFn(ctx, symbol, interval, start, end)
	default:
		return nil, errors.New("unknown historical source kind")
	}
}

// queryAny tries each source in order until one succeeds. Failures short of
// the last source are swallowed; an empty successful result is returned as-is.
func queryAny(ctx context.Context, sources []HistoricalSource, symbol string, interval model.Interval, start, end time.Time) ([]model.Bar, string, error) {
	if len(sources) == 0 {
		return nil, "", errors.New("no historical sources configured")
	}
	var lastErr error
	for _, src := range sources {
		bars, err := src.Query(ctx, symbol, interval, start, end)
		if err != nil {
			lastErr = err
			continue
		}
		return bars, src.Name(), nil
	}
	return nil, "", lastErr
}
