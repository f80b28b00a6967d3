// Package collector runs the fetch and persist cycle for one asset.
package collector

import (
	"context"
	"fmt"
	"time"

	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/reader"
	"tickerflow/writer"
)

// DefaultInterval is the gap between the starts of two cycles.
const DefaultInterval = time.Minute

// Archiver receives the samples of every successful cycle.
type Archiver interface {
	ArchiveCycle(ctx context.Context, assetID string, ts time.Time, samples []models.Sample) error
}

// Collector drives the fetch and persist cycle. The first cycle also writes
// the snapshot file; every later cycle only appends samples.
type Collector struct {
	assetID  string
	fetcher  reader.ListingFetcher
	series   *writer.SeriesStore
	snapshot *writer.SnapshotWriter
	archiver Archiver
	interval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *logger.Log
}

// Option configures a Collector.
type Option func(*Collector)

// WithInterval sets the cycle interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithArchiver uploads every cycle's samples through a.
func WithArchiver(a Archiver) Option {
	return func(c *Collector) {
		c.archiver = a
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Log) Option {
	return func(c *Collector) {
		if log != nil {
			c.log = log
		}
	}
}

func New(assetID string, fetcher reader.ListingFetcher, series *writer.SeriesStore, opts ...Option) *Collector {
	c := &Collector{
		assetID:  assetID,
		fetcher:  fetcher,
		series:   series,
		snapshot: writer.NewSnapshotWriter(series),
		interval: DefaultInterval,
		now:      time.Now,
		sleep:    sleepContext,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes cycles until a fetch or persistence step fails, in which
// case that error is returned, or ctx is cancelled while waiting for the
// next cycle, in which case ctx.Err() is returned. Cancellation does not
// interrupt a cycle already in progress.
func (c *Collector) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	log := c.log.WithComponent("collector").WithFields(logger.Fields{"asset_id": c.assetID})

	for cycle := 1; ; cycle++ {
		start := c.now()
		if err := c.runCycle(work, cycle, start); err != nil {
			log.WithError(err).WithFields(logger.Fields{"cycle": cycle}).Error("cycle failed")
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}

		if err := c.sleep(ctx, start.Add(c.interval).Sub(c.now())); err != nil {
			log.WithFields(logger.Fields{"cycles": cycle}).Info("collector stopped")
			return err
		}
	}
}

func (c *Collector) runCycle(ctx context.Context, cycle int, start time.Time) error {
	log := c.log.WithComponent("collector")

	listings, err := c.fetcher.FetchListings(ctx, c.assetID)
	if err != nil {
		return err
	}

	if cycle == 1 {
		log.WithFields(logger.Fields{
			"asset_id":   c.assetID,
			"asset_name": listings.AssetName,
			"listings":   len(listings.Records),
		}).Info("working with ticker")

		if err := c.snapshot.WriteSnapshot(c.assetID, listings.Records); err != nil {
			return err
		}
		metrics.ReportSnapshot(c.log, c.assetID, len(listings.Records))
	}

	result, err := c.series.AppendCycle(c.assetID, listings.Records, start)
	if err != nil {
		return err
	}
	logger.LogDataFlowEntry(log, "listing_fetcher", "series_store", len(result.Samples), "sample")

	if c.archiver != nil {
		if err := c.archiver.ArchiveCycle(ctx, c.assetID, start, result.Samples); err != nil {
			return err
		}
		logger.LogDataFlowEntry(log, "series_store", "archive", len(result.Samples), "sample")
	}

	duration := c.now().Sub(start)
	metrics.ReportCycle(c.log, metrics.CycleStats{
		AssetID:  c.assetID,
		Listings: len(listings.Records),
		Samples:  len(result.Samples),
		Created:  result.Created,
		Duration: duration,
	})
	logger.LogPerformanceEntry(log, "collector", "cycle", duration, logger.Fields{
		"asset_id": c.assetID,
		"cycle":    cycle,
	})
	return nil
}

// sleepContext waits for d or until ctx is done. A non-positive d returns
// immediately unless ctx is already done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
