package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  symbols: ["AAPL"]
  exchangeGroup: us_equities
  assetClass: stock
  startDate: "2024-01-02"
market:
  hours:
    us_equities/stock:
      timezone: America/New_York
      regularOpen: "09:30"
      regularClose: "16:00"
      extendedOpen: "04:00"
      extendedClose: "20:00"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "backtest", cfg.Session.Mode)
	assert.Equal(t, "1m", cfg.Session.NativeInterval)
	assert.Equal(t, []string{"5m", "15m"}, cfg.Session.DerivedIntervals)
	assert.Equal(t, 5, cfg.Session.TrailingHistoryDays)
	assert.Equal(t, 120, cfg.Session.TimeoutSeconds)
	assert.Equal(t, time.Second, cfg.Session.ClockTick)
	assert.Equal(t, 60*time.Second, cfg.Session.UpkeepInterval)
	assert.Equal(t, 15*time.Minute, cfg.Session.PostMarketRollDelay)
	assert.Equal(t, "8086", cfg.Server.Port)
	assert.False(t, cfg.Kafka.Enabled)

	hrs, ok := cfg.Market.Hours["us_equities/stock"]
	require.True(t, ok)
	assert.Equal(t, "America/New_York", hrs.Timezone)
}

func TestLoadConfigRejectsInvalidSession(t *testing.T) {
	// No symbols and an unknown mode.
	path := writeConfig(t, `
session:
  mode: replay
  exchangeGroup: us_equities
  assetClass: stock
  startDate: "2024-01-02"
`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
