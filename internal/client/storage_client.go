package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"services/session-engine/internal/model"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// StorageClient reads bar data from the columnar partition storage service.
// Partitions are keyed by symbol, interval and UTC calendar day, one file per
// key. A session in an exchange timezone with extended hours can straddle two
// UTC days, so a single logical range may require reading two partitions,
// concatenating and filtering down to the exact range.
type StorageClient struct {
	baseURL        string
	serviceKey     string
	maxElapsedTime time.Duration
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewStorageClient creates a new partition storage client
func NewStorageClient(baseURL, serviceKey string, timeout, maxElapsedTime time.Duration, logger *zap.Logger) *StorageClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxElapsedTime <= 0 {
		maxElapsedTime = 2 * time.Minute
	}
	return &StorageClient{
		baseURL:        baseURL,
		serviceKey:     serviceKey,
		maxElapsedTime: maxElapsedTime,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// FetchBars returns all bars for symbol+interval in [start, end), ascending.
// An empty result means the data is not yet available, not an error.
func (c *StorageClient) FetchBars(
	ctx context.Context,
	symbol string,
	interval model.Interval,
	start time.Time,
	end time.Time,
) ([]model.Bar, error) {
	if !start.Before(end) {
		return nil, nil
	}

	start = start.UTC()
	end = end.UTC()

	var bars []model.Bar
	for day := start.Truncate(24 * time.Hour); day.Before(end); day = day.Add(24 * time.Hour) {
		partition, err := c.fetchPartition(ctx, symbol, interval, day)
		if err != nil {
			return nil, err
		}
		bars = append(bars, partition...)
	}

	// Partitions cover whole UTC days; filter to the exact requested range.
	out := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	return out, nil
}

// fetchPartition reads one symbol/interval/UTC-day partition with retry.
// 404 means the partition was never written and yields an empty result.
func (c *StorageClient) fetchPartition(
	ctx context.Context,
	symbol string,
	interval model.Interval,
	day time.Time,
) ([]model.Bar, error) {
	url := fmt.Sprintf("%s/api/v1/partitions/%s/%s/%s",
		c.baseURL, symbol, interval, day.Format("2006-01-02"))

	var bars []model.Bar

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Service-Key", c.serviceKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var response struct {
				Bars []model.Bar `json:"bars"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
				return backoff.Permanent(fmt.Errorf("decode partition response: %w", err))
			}
			bars = response.Bars
			return nil
		case http.StatusNotFound:
			bars = nil
			return nil
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway:
			return fmt.Errorf("storage service unavailable (status %d)", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected storage status %d", resp.StatusCode))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		c.logger.Error("Failed to fetch partition",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("interval", string(interval)),
			zap.Time("day", day))
		return nil, err
	}

	return bars, nil
}
