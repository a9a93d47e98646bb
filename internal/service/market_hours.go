package service

import (
	"fmt"
	"strings"
	"time"

	"services/session-engine/internal/config"

	"go.uber.org/zap"
)

// SessionHours are the resolved trading hours of one exchange group + asset
// class for a specific date, converted to UTC.
type SessionHours struct {
	Open          time.Time
	Close         time.Time
	ExtendedOpen  time.Time
	ExtendedClose time.Time
	Location      *time.Location
}

type marketHours struct {
	location      *time.Location
	regularOpen   localTime
	regularClose  localTime
	extendedOpen  localTime
	extendedClose localTime
}

type localTime struct {
	hour, minute int
}

// MarketHoursProvider resolves market-hours metadata keyed by exchange group
// and asset class, all loaded from configuration; no hours are hard-coded.
type MarketHoursProvider struct {
	hours    map[string]marketHours
	holidays map[string]struct{}
	logger   *zap.Logger
}

// NewMarketHoursProvider loads market-hours metadata from config
func NewMarketHoursProvider(cfg config.MarketConfig, logger *zap.Logger) (*MarketHoursProvider, error) {
	p := &MarketHoursProvider{
		hours:    make(map[string]marketHours),
		holidays: make(map[string]struct{}),
		logger:   logger,
	}

	for key, hc := range cfg.Hours {
		loc, err := time.LoadLocation(hc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("market hours %q: %w", key, err)
		}
		mh := marketHours{location: loc}
		for _, f := range []struct {
			dst  *localTime
			text string
			name string
		}{
			{&mh.regularOpen, hc.RegularOpen, "regularOpen"},
			{&mh.regularClose, hc.RegularClose, "regularClose"},
			{&mh.extendedOpen, hc.ExtendedOpen, "extendedOpen"},
			{&mh.extendedClose, hc.ExtendedClose, "extendedClose"},
		} {
			lt, err := parseLocalTime(f.text)
			if err != nil {
				return nil, fmt.Errorf("market hours %q %s: %w", key, f.name, err)
			}
			*f.dst = lt
		}
		p.hours[strings.ToLower(key)] = mh
	}

	for _, h := range cfg.Holidays {
		d, err := time.Parse("2006-01-02", h)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		p.holidays[d.Format("2006-01-02")] = struct{}{}
	}

	return p, nil
}

func parseLocalTime(s string) (localTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return localTime{}, err
	}
	return localTime{hour: t.Hour(), minute: t.Minute()}, nil
}

func hoursKey(group, class string) string {
	return strings.ToLower(group + "/" + class)
}

// HoursFor resolves the trading hours for a calendar date. The date is
// interpreted in the exchange timezone; the returned bounds are UTC.
func (p *MarketHoursProvider) HoursFor(group, class string, date time.Time) (SessionHours, error) {
	mh, ok := p.hours[hoursKey(group, class)]
	if !ok {
		return SessionHours{}, fmt.Errorf("no market hours for %s/%s", group, class)
	}

	y, m, d := date.In(mh.location).Date()
	at := func(lt localTime) time.Time {
		return time.Date(y, m, d, lt.hour, lt.minute, 0, 0, mh.location).UTC()
	}

	return SessionHours{
		Open:          at(mh.regularOpen),
		Close:         at(mh.regularClose),
		ExtendedOpen:  at(mh.extendedOpen),
		ExtendedClose: at(mh.extendedClose),
		Location:      mh.location,
	}, nil
}

// ParseDate resolves a "2006-01-02" date string to midnight in the exchange
// timezone. Config dates must resolve this way; parsing them as UTC shifts
// the trading date by one day in western timezones.
func (p *MarketHoursProvider) ParseDate(group, class, s string) (time.Time, error) {
	mh, ok := p.hours[hoursKey(group, class)]
	if !ok {
		return time.Time{}, fmt.Errorf("no market hours for %s/%s", group, class)
	}
	t, err := time.ParseInLocation("2006-01-02", s, mh.location)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// IsTradingDate reports whether the exchange-local date is a trading day
func (p *MarketHoursProvider) IsTradingDate(group, class string, date time.Time) bool {
	mh, ok := p.hours[hoursKey(group, class)]
	if !ok {
		return false
	}
	local := date.In(mh.location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := p.holidays[local.Format("2006-01-02")]
	return !holiday
}

// NextTradingDate returns the first trading date strictly after the
// exchange-local date of `after`, skipping weekends and configured holidays.
// The result is midnight in the exchange timezone. ok is false when the
// exchange group is unknown.
func (p *MarketHoursProvider) NextTradingDate(group, class string, after time.Time) (time.Time, bool) {
	mh, ok := p.hours[hoursKey(group, class)]
	if !ok {
		return time.Time{}, false
	}

	local := after.In(mh.location)
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, mh.location)
	for i := 0; i < 366; i++ {
		date = date.AddDate(0, 0, 1)
		if p.IsTradingDate(group, class, date) {
			return date, true
		}
	}
	return time.Time{}, false
}
