// Package databasetest holds the behaviour every database.Adapter must share.
// Backend packages run it against their own adapter from a _test.go file.
package databasetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daniel865692/energy-management-platform/database"
	"github.com/Daniel865692/energy-management-platform/models"
)

// Factory returns a connected adapter with no data in it
type Factory func(t *testing.T) database.Adapter

// Run executes the conformance cases, each against a fresh adapter
func Run(t *testing.T, factory Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, adapter database.Adapter)
	}{
		{"LatestReadingRoundTrip", testLatestReadingRoundTrip},
		{"LatestReadingNotFound", testLatestReadingNotFound},
		{"LatestReadingIsLastWrite", testLatestReadingIsLastWrite},
		{"HistoricalDataWindowAndLimit", testHistoricalData},
		{"HistoricalDataExcludesFuture", testHistoricalDataExcludesFuture},
		{"NonPositiveLimitMeansDefault", testNonPositiveLimit},
		{"EnergyStatistics", testEnergyStatistics},
		{"ExportInclusiveBounds", testExport},
		{"ExportInvertedRange", testExportInverted},
		{"SendDeviceCommand", testSendDeviceCommand},
		{"DeviceStatusUpsert", testDeviceStatus},
		{"AlertsFilterAndOrder", testAlerts},
		{"HealthCheckIdempotent", testHealthCheck},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := factory(t)
			t.Cleanup(func() {
				_ = adapter.Disconnect(context.Background())
			})
			tc.fn(t, adapter)
		})
	}
}

// Reading builds a valid reading at ts with the given power
func Reading(deviceID string, ts time.Time, power float64) *models.Reading {
	return &models.Reading{
		DeviceID:    deviceID,
		Voltage:     230,
		Current:     power / 230,
		Power:       power,
		PowerFactor: 0.95,
		Frequency:   50,
		Timestamp:   ts.UTC().Truncate(time.Millisecond),
		Source:      models.SourceDevice,
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func store(t *testing.T, adapter database.Adapter, readings ...*models.Reading) {
	t.Helper()
	for _, r := range readings {
		id, err := adapter.StoreReading(context.Background(), r)
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}
}

func assertPhysical(t *testing.T, want *models.Reading, got models.Reading) {
	t.Helper()
	assert.Equal(t, want.DeviceID, got.DeviceID)
	assert.InDelta(t, want.Voltage, got.Voltage, 1e-6)
	assert.InDelta(t, want.Current, got.Current, 1e-6)
	assert.InDelta(t, want.Power, got.Power, 1e-6)
	assert.InDelta(t, want.PowerFactor, got.PowerFactor, 1e-6)
	assert.InDelta(t, want.Frequency, got.Frequency, 1e-6)
	assert.WithinDuration(t, want.Timestamp, got.Timestamp, time.Millisecond)
}

func testLatestReadingRoundTrip(t *testing.T, adapter database.Adapter) {
	ts := now()
	first := Reading("dev-latest", ts.Add(-time.Minute), 1150)
	second := Reading("dev-latest", ts, 900)
	other := Reading("dev-other", ts, 10)

	store(t, adapter, first, second, other)

	got, err := adapter.GetLatestReading(context.Background(), "dev-latest")
	require.NoError(t, err)
	assertPhysical(t, second, *got)
	assert.NotEmpty(t, got.ID)
}

func testLatestReadingNotFound(t *testing.T, adapter database.Adapter) {
	_, err := adapter.GetLatestReading(context.Background(), "missing")
	assert.True(t, database.IsNotFound(err), "expected not found, got %v", err)
}

// a backfilled reading with an older timestamp still becomes the latest
func testLatestReadingIsLastWrite(t *testing.T, adapter database.Adapter) {
	ts := now()
	store(t, adapter,
		Reading("dev-backfill", ts.Add(-time.Minute), 10),
		Reading("dev-backfill", ts.Add(-time.Hour), 20),
	)

	got, err := adapter.GetLatestReading(context.Background(), "dev-backfill")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got.Power, 1e-6)
	assert.WithinDuration(t, ts.Add(-time.Hour), got.Timestamp, time.Millisecond)
}

func testHistoricalDataExcludesFuture(t *testing.T, adapter database.Adapter) {
	ts := now()
	store(t, adapter,
		Reading("dev-future", ts.Add(2*time.Hour), 7),
		Reading("dev-future", ts.Add(time.Hour), 8),
		Reading("dev-future", ts.Add(-time.Hour), 1),
		Reading("dev-future", ts.Add(-2*time.Hour), 2),
	)

	got, err := adapter.GetHistoricalData(context.Background(), "dev-future", 24, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Power, 1e-6)

	all, err := adapter.GetHistoricalData(context.Background(), "dev-future", 24, 100)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testNonPositiveLimit(t *testing.T, adapter database.Adapter) {
	ctx := context.Background()
	ts := now()
	store(t, adapter,
		Reading("dev-nolimit", ts.Add(-3*time.Hour), 1),
		Reading("dev-nolimit", ts.Add(-2*time.Hour), 2),
		Reading("dev-nolimit", ts.Add(-time.Hour), 3),
	)

	for _, limit := range []int{0, -1} {
		got, err := adapter.GetHistoricalData(ctx, "dev-nolimit", 24, limit)
		require.NoError(t, err)
		assert.Len(t, got, 3, "limit %d", limit)
	}

	for i := 0; i < 3; i++ {
		_, err := adapter.CreateAlert(ctx, &models.Alert{
			Type: "maintenance", Message: "check", Priority: models.PriorityLow, Timestamp: ts.Add(-time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	alerts, err := adapter.GetAlerts(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 3)
}

func testHistoricalData(t *testing.T, adapter database.Adapter) {
	ts := now()
	store(t, adapter,
		Reading("dev-hist", ts.Add(-2*time.Hour), 2),
		Reading("dev-hist", ts.Add(-30*time.Hour), 3),
		Reading("dev-hist", ts.Add(-time.Hour), 1),
		Reading("dev-else", ts.Add(-time.Hour), 9),
	)

	got, err := adapter.GetHistoricalData(context.Background(), "dev-hist", 24, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[0].Power, 1e-6)
	assert.InDelta(t, 2.0, got[1].Power, 1e-6)

	limited, err := adapter.GetHistoricalData(context.Background(), "dev-hist", 24, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.InDelta(t, 1.0, limited[0].Power, 1e-6)

	week, err := adapter.GetHistoricalData(context.Background(), "dev-hist", 168, 100)
	require.NoError(t, err)
	assert.Len(t, week, 3)
}

func testEnergyStatistics(t *testing.T, adapter database.Adapter) {
	ts := now()
	store(t, adapter,
		Reading("dev-stats", ts.Add(-30*time.Minute), 1),
		Reading("dev-stats", ts.Add(-25*time.Minute), 2),
		Reading("dev-stats", ts.Add(-20*time.Minute), 3),
		Reading("dev-stats", ts.Add(-48*time.Hour), 50),
	)

	stats, err := adapter.GetEnergyStatistics(context.Background(), "dev-stats", models.PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ReadingCount)
	assert.InDelta(t, 3.0, stats.MaxPower, 1e-6)
	assert.InDelta(t, 1.0, stats.MinPower, 1e-6)
	assert.InDelta(t, 2.0, stats.AveragePower, 1e-6)
	assert.InDelta(t, 1.0/3, stats.TotalEnergy, 1e-3)

	week, err := adapter.GetEnergyStatistics(context.Background(), "dev-stats", models.PeriodWeek)
	require.NoError(t, err)
	assert.Equal(t, int64(4), week.ReadingCount)

	empty, err := adapter.GetEnergyStatistics(context.Background(), "nobody", models.PeriodMonth)
	require.NoError(t, err)
	assert.Zero(t, empty.ReadingCount)
}

func testExport(t *testing.T, adapter database.Adapter) {
	base := now().Add(-6 * time.Hour)
	store(t, adapter,
		Reading("dev-export", base.Add(2*time.Hour), 3),
		Reading("dev-export", base, 1),
		Reading("dev-export", base.Add(time.Hour), 2),
		Reading("dev-export", base.Add(3*time.Hour), 4),
	)

	got, err := adapter.ExportEnergyData(context.Background(), "dev-export", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.InDelta(t, 1.0, got[0].Power, 1e-6)
	assert.InDelta(t, 2.0, got[1].Power, 1e-6)
	assert.InDelta(t, 3.0, got[2].Power, 1e-6)
}

func testExportInverted(t *testing.T, adapter database.Adapter) {
	base := now().Add(-time.Hour)
	store(t, adapter, Reading("dev-inv", base, 1))

	got, err := adapter.ExportEnergyData(context.Background(), "dev-inv", base.Add(time.Hour), base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSendDeviceCommand(t *testing.T, adapter database.Adapter) {
	value := 42.0
	id, err := adapter.SendDeviceCommand(context.Background(), &models.DeviceCommand{
		DeviceID:  "dev-cmd",
		Command:   models.CommandOff,
		Value:     &value,
		Timestamp: now(),
		Source:    models.CommandSourceOperator,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func testDeviceStatus(t *testing.T, adapter database.Adapter) {
	ctx := context.Background()

	_, err := adapter.GetDeviceStatus(ctx, "dev-status")
	assert.True(t, database.IsNotFound(err), "expected not found, got %v", err)

	ts := now()
	require.NoError(t, adapter.UpdateDeviceStatus(ctx, &models.DeviceStatus{
		DeviceID: "dev-status", Status: models.StateOn, LastUpdate: ts.Add(-time.Minute),
	}))
	require.NoError(t, adapter.UpdateDeviceStatus(ctx, &models.DeviceStatus{
		DeviceID: "dev-status", Status: models.StateOff, LastUpdate: ts,
	}))

	got, err := adapter.GetDeviceStatus(ctx, "dev-status")
	require.NoError(t, err)
	assert.Equal(t, "dev-status", got.DeviceID)
	assert.Equal(t, models.StateOff, got.Status)
	assert.WithinDuration(t, ts, got.LastUpdate, time.Millisecond)
}

func testAlerts(t *testing.T, adapter database.Adapter) {
	ctx := context.Background()
	ts := now()

	alerts := []*models.Alert{
		{Type: models.AlertVoltageAnomaly, Message: "old", Priority: models.PriorityMedium, DeviceID: "dev-a", Timestamp: ts.Add(-time.Hour)},
		{Type: models.AlertHighConsumption, Message: "new", Priority: models.PriorityHigh, DeviceID: "dev-a", Timestamp: ts},
		{Type: "maintenance", Message: "done", Priority: models.PriorityLow, Timestamp: ts.Add(-time.Minute), Resolved: true},
	}
	for _, a := range alerts {
		id, err := adapter.CreateAlert(ctx, a)
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}

	open, err := adapter.GetAlerts(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "new", open[0].Message)
	assert.Equal(t, models.PriorityHigh, open[0].Priority)
	assert.Equal(t, "dev-a", open[0].DeviceID)
	assert.Equal(t, "old", open[1].Message)
	assert.NotEmpty(t, open[0].ID)

	resolved, err := adapter.GetAlerts(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.True(t, resolved[0].Resolved)
	assert.Empty(t, resolved[0].DeviceID)

	limited, err := adapter.GetAlerts(ctx, false, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].Message)
}

func testHealthCheck(t *testing.T, adapter database.Adapter) {
	ctx := context.Background()
	first := adapter.HealthCheck(ctx)
	assert.True(t, first)
	assert.Equal(t, first, adapter.HealthCheck(ctx))
	assert.Equal(t, first, adapter.HealthCheck(ctx))
}
