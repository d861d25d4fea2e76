package database

import (
	"fmt"
	"sort"
	"time"

	"github.com/Daniel865692/energy-management-platform/models"
)

// MaxIntegrationGap bounds the interval between two readings that still counts
// toward consumed energy. Longer gaps mean the device was not reporting.
const MaxIntegrationGap = 15 * time.Minute

// PeriodWindow returns the look-back window of a statistics period
func PeriodWindow(period models.StatsPeriod) (time.Duration, error) {
	switch period {
	case models.PeriodDay:
		return 24 * time.Hour, nil
	case models.PeriodWeek:
		return 7 * 24 * time.Hour, nil
	case models.PeriodMonth:
		return 30 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid period %q", period)
}

// ComputeStatistics aggregates readings inside [from, to]. Energy is the
// trapezoidal integral of power over time in power-unit hours.
func ComputeStatistics(deviceID string, period models.StatsPeriod, from, to time.Time, readings []models.Reading) *models.EnergyStatistics {
	stats := &models.EnergyStatistics{
		DeviceID: deviceID,
		Period:   period,
		From:     from,
		To:       to,
	}

	window := FilterRange(readings, from, to)
	if len(window) == 0 {
		return stats
	}
	OldestFirst(window)

	var sum float64
	stats.MaxPower = window[0].Power
	stats.MinPower = window[0].Power

	for i, r := range window {
		sum += r.Power
		if r.Power > stats.MaxPower {
			stats.MaxPower = r.Power
		}
		if r.Power < stats.MinPower {
			stats.MinPower = r.Power
		}

		if i == 0 {
			continue
		}
		prev := window[i-1]
		gap := r.Timestamp.Sub(prev.Timestamp)
		if gap <= 0 || gap > MaxIntegrationGap {
			continue
		}
		stats.TotalEnergy += (prev.Power + r.Power) / 2 * gap.Hours()
	}

	stats.ReadingCount = int64(len(window))
	stats.AveragePower = sum / float64(len(window))
	return stats
}

// FilterRange returns the readings with from <= timestamp <= to
func FilterRange(readings []models.Reading, from, to time.Time) []models.Reading {
	out := make([]models.Reading, 0, len(readings))
	for _, r := range readings {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// NewestFirst sorts readings by descending timestamp
func NewestFirst(readings []models.Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.After(readings[j].Timestamp)
	})
}

// OldestFirst sorts readings by ascending timestamp
func OldestFirst(readings []models.Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
}

// NewestAlertsFirst sorts alerts by descending timestamp
func NewestAlertsFirst(alerts []models.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}

// Truncate keeps at most limit readings. A non-positive limit keeps none.
func Truncate(readings []models.Reading, limit int) []models.Reading {
	if limit <= 0 {
		return []models.Reading{}
	}
	if len(readings) > limit {
		return readings[:limit]
	}
	return readings
}

// TruncateAlerts keeps at most limit alerts. A non-positive limit keeps none.
func TruncateAlerts(alerts []models.Alert, limit int) []models.Alert {
	if limit <= 0 {
		return []models.Alert{}
	}
	if len(alerts) > limit {
		return alerts[:limit]
	}
	return alerts
}

// HistorySince returns the oldest instant included in a history query
func HistorySince(now time.Time, hoursBack int) time.Time {
	return now.Add(-time.Duration(hoursBack) * time.Hour)
}

// HistoryWindow returns the inclusive bounds of a history query. Readings
// stamped after now are outside it on every backend.
func HistoryWindow(now time.Time, hoursBack int) (from, to time.Time) {
	return HistorySince(now, hoursBack), now
}

// Row limits applied to history and alert queries
const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
	DefaultAlertLimit   = 50
	MaxAlertLimit       = 1000
)

// HistoryLimit normalizes the limit of a history query. Zero or negative
// means the default.
func HistoryLimit(limit int) int {
	return ClampLimit(limit, DefaultHistoryLimit, MaxHistoryLimit)
}

// AlertLimit normalizes the limit of an alert query the same way
func AlertLimit(limit int) int {
	return ClampLimit(limit, DefaultAlertLimit, MaxAlertLimit)
}

// ClampLimit returns def when limit is not positive and max when it exceeds max
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
