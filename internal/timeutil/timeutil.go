package timeutil

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid period")

// Window is a [start, end) interval in UTC.
type Window struct {
	period string
	start  time.Time
	end    time.Time
}

// DayStart returns midnight UTC of the day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDayStart returns midnight UTC of the day after t.
func NextDayStart(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1)
}

// Today returns the UTC calendar day containing now.
func Today(now time.Time) Window {
	return Window{period: "1d", start: DayStart(now), end: NextDayStart(now)}
}

// NewWindow constructs a rolling window ending at now ("7d", "24h").
func NewWindow(period string, now time.Time) (Window, error) {
	dur, err := durationFromPeriod(period)
	if err != nil {
		return Window{}, err
	}
	now = now.UTC()
	return Window{period: normalizePeriod(period), start: now.Add(-dur), end: now}, nil
}

// NewWindowFromRange constructs a window covering [start, end).
func NewWindowFromRange(start, end time.Time) (Window, error) {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return Window{}, ErrInvalidPeriod
	}
	return Window{period: "custom", start: start, end: end}, nil
}

func (w Window) Period() string { return w.period }

func (w Window) Start() time.Time { return w.start }

func (w Window) End() time.Time { return w.end }

func (w Window) Duration() time.Duration { return w.end.Sub(w.start) }

// Days returns the window length in whole days, at least 1.
func (w Window) Days() int {
	days := int(w.Duration() / (24 * time.Hour))
	if days < 1 {
		return 1
	}
	return days
}

func durationFromPeriod(period string) (time.Duration, error) {
	p := normalizePeriod(period)
	if len(p) < 2 {
		return 0, ErrInvalidPeriod
	}
	unit := p[len(p)-1]
	value, err := strconv.Atoi(p[:len(p)-1])
	if err != nil || value <= 0 {
		return 0, ErrInvalidPeriod
	}
	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	default:
		return 0, ErrInvalidPeriod
	}
}

func normalizePeriod(period string) string {
	return strings.ToLower(strings.TrimSpace(period))
}
