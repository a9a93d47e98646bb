package repository

import (
	"context"
	"time"

	"services/session-engine/internal/model"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// MarketDataRepository handles database operations for historical bars
type MarketDataRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewMarketDataRepository creates a new market data repository
func NewMarketDataRepository(db *sqlx.DB, logger *zap.Logger) *MarketDataRepository {
	return &MarketDataRepository{
		db:     db,
		logger: logger,
	}
}

// GetBars retrieves bars for a symbol and interval in [start, end), ascending
// by timestamp. An empty result means the data is not yet available and is
// not an error.
func (r *MarketDataRepository) GetBars(
	ctx context.Context,
	symbol string,
	interval model.Interval,
	start time.Time,
	end time.Time,
) ([]model.Bar, error) {
	query := `
		SELECT symbol, interval, bar_time, open, high, low, close, volume
		FROM market_data
		WHERE symbol = $1 AND interval = $2 AND bar_time >= $3 AND bar_time < $4
		ORDER BY bar_time
	`

	var bars []model.Bar
	err := r.db.SelectContext(ctx, &bars, query, symbol, string(interval), start.UTC(), end.UTC())
	if err != nil {
		r.logger.Error("Failed to get bars",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("interval", string(interval)))
		return nil, err
	}

	for i := range bars {
		bars[i].Timestamp = bars[i].Timestamp.UTC()
	}

	return bars, nil
}

// HasData checks if there is any bar data for a symbol and interval
func (r *MarketDataRepository) HasData(
	ctx context.Context,
	symbol string,
	interval model.Interval,
) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM market_data
			WHERE symbol = $1 AND interval = $2
			LIMIT 1
		)
	`

	var exists bool
	err := r.db.GetContext(ctx, &exists, query, symbol, string(interval))
	if err != nil {
		r.logger.Error("Failed to check if bar data exists",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("interval", string(interval)))
		return false, err
	}

	return exists, nil
}

// GetDataRange returns the date range of available data for a symbol
func (r *MarketDataRepository) GetDataRange(
	ctx context.Context,
	symbol string,
	interval model.Interval,
) (startDate, endDate time.Time, err error) {
	query := `
		SELECT
			MIN(bar_time) as start_date,
			MAX(bar_time) as end_date
		FROM market_data
		WHERE symbol = $1 AND interval = $2
	`

	var result struct {
		StartDate time.Time `db:"start_date"`
		EndDate   time.Time `db:"end_date"`
	}

	err = r.db.GetContext(ctx, &result, query, symbol, string(interval))
	if err != nil {
		r.logger.Error("Failed to get data range",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("interval", string(interval)))
		return time.Time{}, time.Time{}, err
	}

	return result.StartDate.UTC(), result.EndDate.UTC(), nil
}
