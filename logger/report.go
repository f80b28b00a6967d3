package logger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	errorsTotal    int64
	warnsTotal     int64
	fetches        int64
	samplesWritten int64
	seriesCreated  int64
	snapshotRows   int64
)

func recordWarn(component string) {
	if component != "" {
		atomic.AddInt64(&warnsTotal, 1)
	}
}

func recordError(component string) {
	if component != "" {
		atomic.AddInt64(&errorsTotal, 1)
	}
}

// IncrementFetch counts one successful listing fetch.
func IncrementFetch() {
	atomic.AddInt64(&fetches, 1)
}

// IncrementSamples counts sample rows appended to series files.
func IncrementSamples(n int) {
	atomic.AddInt64(&samplesWritten, int64(n))
}

// IncrementSeriesCreated counts series files created with a header.
func IncrementSeriesCreated(n int) {
	atomic.AddInt64(&seriesCreated, int64(n))
}

// IncrementSnapshotRows counts rows written to the snapshot file.
func IncrementSnapshotRows(n int) {
	atomic.AddInt64(&snapshotRows, int64(n))
}

// Counters is a point-in-time copy of the collector counters.
type Counters struct {
	Fetches        int64
	SamplesWritten int64
	SeriesCreated  int64
	SnapshotRows   int64
}

// CurrentCounters returns the collector counters shown in the runtime report.
func CurrentCounters() Counters {
	return Counters{
		Fetches:        atomic.LoadInt64(&fetches),
		SamplesWritten: atomic.LoadInt64(&samplesWritten),
		SeriesCreated:  atomic.LoadInt64(&seriesCreated),
		SnapshotRows:   atomic.LoadInt64(&snapshotRows),
	}
}

// StartReport logs runtime statistics every interval until ctx is done.
// dataDir is the directory whose filesystem usage is reported, since series
// files grow without bound.
func StartReport(ctx context.Context, log *Log, interval time.Duration, dataDir string) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, dataDir)
			}
		}
	}()
}

func reportFields(dataDir string) Fields {
	counters := CurrentCounters()
	fields := Fields{
		"errors":          atomic.LoadInt64(&errorsTotal),
		"warns":           atomic.LoadInt64(&warnsTotal),
		"fetches":         counters.Fetches,
		"samples_written": counters.SamplesWritten,
		"series_created":  counters.SeriesCreated,
		"snapshot_rows":   counters.SnapshotRows,
		"goroutines":      runtime.NumGoroutine(),
	}

	if memStats, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(memStats.Used) / 1024 / 1024
	}
	if diskStats, err := disk.Usage(dataDir); err == nil {
		fields["disk_used_mb"] = int64(diskStats.Used) / 1024 / 1024
		fields["disk_free_mb"] = int64(diskStats.Free) / 1024 / 1024
		fields["disk_used_percent"] = diskStats.UsedPercent
	}
	return fields
}

func logReport(log *Log, dataDir string) {
	log.WithComponent("report").WithFields(reportFields(dataDir)).Info("runtime report")
}
