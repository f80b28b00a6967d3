package metrics

import (
	"time"

	"tickerflow/logger"
)

const (
	MetricListingsFetched = "listings_fetched"
	MetricSamplesAppended = "samples_appended"
	MetricSeriesCreated   = "series_created"
	MetricSnapshotRows    = "snapshot_rows"
	MetricCycleDuration   = "cycle_duration_ms"

	collectorComponent = "collector"
)

// CycleStats describes one completed fetch and persist cycle.
type CycleStats struct {
	AssetID  string
	Listings int
	Samples  int
	Created  int
	Duration time.Duration
}

// ReportCycle emits the per-cycle metrics for stats.
func ReportCycle(log *logger.Log, stats CycleStats) {
	fields := logger.Fields{"asset_id": stats.AssetID, "unit": "count"}

	EmitMetric(log, collectorComponent, MetricListingsFetched, stats.Listings, "gauge", fields)
	EmitMetric(log, collectorComponent, MetricSamplesAppended, stats.Samples, "counter", fields)
	EmitMetric(log, collectorComponent, MetricSeriesCreated, stats.Created, "counter", fields)
	EmitMetric(log, collectorComponent, MetricCycleDuration, stats.Duration.Milliseconds(), "gauge", logger.Fields{
		"asset_id": stats.AssetID,
		"unit":     "milliseconds",
	})
}

// ReportSnapshot emits the number of rows written to the snapshot file.
func ReportSnapshot(log *logger.Log, assetID string, rows int) {
	EmitMetric(log, collectorComponent, MetricSnapshotRows, rows, "counter", logger.Fields{
		"asset_id": assetID,
		"unit":     "count",
	})
}

// CountForReport is a Handler that feeds the runtime report counters in the
// logger package from collector metrics.
func CountForReport(m Metric) {
	n, _ := m.Value.(int)
	switch m.Name {
	case MetricListingsFetched:
		logger.IncrementFetch()
	case MetricSamplesAppended:
		logger.IncrementSamples(n)
	case MetricSeriesCreated:
		logger.IncrementSeriesCreated(n)
	case MetricSnapshotRows:
		logger.IncrementSnapshotRows(n)
	}
}
