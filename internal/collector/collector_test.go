package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/models"
	"tickerflow/reader"
	"tickerflow/writer"
)

type scriptedFetcher struct {
	responses []*models.Listings
	errs      map[int]error
	calls     int
}

func (f *scriptedFetcher) FetchListings(ctx context.Context, assetID string) (*models.Listings, error) {
	f.calls++
	if err, ok := f.errs[f.calls]; ok {
		return nil, err
	}
	idx := f.calls - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
	// stopAfter cancels the run at the given sleep call.
	stopAfter int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	if len(c.sleeps) == c.stopAfter {
		c.cancel()
		return ctx.Err()
	}
	c.now = c.now.Add(d)
	return nil
}

type recordingArchiver struct {
	cycles [][]models.Sample
	err    error
}

func (a *recordingArchiver) ArchiveCycle(ctx context.Context, assetID string, ts time.Time, samples []models.Sample) error {
	if a.err != nil {
		return a.err
	}
	a.cycles = append(a.cycles, samples)
	return nil
}

func bitcoinListings() *models.Listings {
	return &models.Listings{
		AssetID:   "bitcoin",
		AssetName: "Bitcoin",
		Records: []models.ListingRecord{
			{VenueName: "Binance", CounterAsset: "USDT", Volume: 1234.5, SpreadPercent: 0.01},
			{VenueName: "Binance", CounterAsset: "USDT", Volume: 10, SpreadPercent: 0.02},
			{VenueName: "Kraken", CounterAsset: "EUR", Volume: 7, SpreadPercent: models.MissingSpread, IsStale: true},
		},
	}
}

func newTestCollector(t *testing.T, fetcher reader.ListingFetcher, stopAfter int, opts ...Option) (*Collector, *fakeClock, context.Context, string) {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := &fakeClock{
		now:       time.Date(2024, 3, 7, 9, 5, 0, 0, time.UTC),
		stopAfter: stopAfter,
		cancel:    cancel,
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c := New("bitcoin", fetcher, writer.NewSeriesStore(dir), opts...)
	c.sleep = clock.Sleep
	return c, clock, ctx, dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunFirstCycleWritesSnapshotAndSeries(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []*models.Listings{bitcoinListings()}}
	c, _, ctx, dir := newTestCollector(t, fetcher, 1)

	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fetcher.calls)

	entries, err := os.ReadDir(filepath.Join(dir, "bitcoin"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"bitcoin.csv", "Binance_USDT.csv", "Kraken_EUR.csv"}, names)

	require.Equal(t, "exchange,target,marked_anomaly,stale\n"+
		"Binance,USDT,false,false\n"+
		"Binance,USDT,false,false\n"+
		"Kraken,EUR,false,true\n", readFile(t, filepath.Join(dir, "bitcoin", "bitcoin.csv")))

	require.Equal(t, "date,volme,spread,last_digit,first_digit\n"+
		"2024-03-07-09-05,1234.5,0.01,5,1\n"+
		"2024-03-07-09-05,10,0.02,0,1\n", readFile(t, filepath.Join(dir, "bitcoin", "Binance_USDT.csv")))
	require.Equal(t, "date,volme,spread,last_digit,first_digit\n"+
		"2024-03-07-09-05,7,-1,7,7\n", readFile(t, filepath.Join(dir, "bitcoin", "Kraken_EUR.csv")))
}

func TestRunLaterCyclesOnlyAppend(t *testing.T) {
	second := &models.Listings{
		AssetID:   "bitcoin",
		AssetName: "Bitcoin",
		Records: []models.ListingRecord{
			{VenueName: "Kraken", CounterAsset: "EUR", Volume: 8, SpreadPercent: 0.3},
			{VenueName: "Coinbase", CounterAsset: "USD", Volume: 99, SpreadPercent: 0.1},
		},
	}
	fetcher := &scriptedFetcher{responses: []*models.Listings{bitcoinListings(), second}}
	c, clock, ctx, dir := newTestCollector(t, fetcher, 3)

	require.ErrorIs(t, c.Run(ctx), context.Canceled)
	require.Equal(t, 3, fetcher.calls)
	require.Len(t, clock.sleeps, 3)

	snapshot := readFile(t, filepath.Join(dir, "bitcoin", "bitcoin.csv"))
	require.NotContains(t, snapshot, "Coinbase")

	kraken := strings.Split(strings.TrimSpace(readFile(t, filepath.Join(dir, "bitcoin", "Kraken_EUR.csv"))), "\n")
	require.Equal(t, []string{
		"date,volme,spread,last_digit,first_digit",
		"2024-03-07-09-05,7,-1,7,7",
		"2024-03-07-09-06,8,0.3,8,8",
		"2024-03-07-09-07,8,0.3,8,8",
	}, kraken)

	coinbase := strings.Split(strings.TrimSpace(readFile(t, filepath.Join(dir, "bitcoin", "Coinbase_USD.csv"))), "\n")
	require.Len(t, coinbase, 3)
}

func TestRunSleepsUntilIntervalFromCycleStart(t *testing.T) {
	fetcher := &scriptedFetcher{responses: []*models.Listings{bitcoinListings()}}
	slow := &slowFetcher{inner: fetcher}
	c, clock, ctx, _ := newTestCollector(t, slow, 2, WithInterval(time.Minute))
	slow.clock = clock

	require.ErrorIs(t, c.Run(ctx), context.Canceled)
	require.Equal(t, []time.Duration{45 * time.Second, 45 * time.Second}, clock.sleeps)
}

type slowFetcher struct {
	inner *scriptedFetcher
	clock *fakeClock
}

func (f *slowFetcher) FetchListings(ctx context.Context, assetID string) (*models.Listings, error) {
	f.clock.now = f.clock.now.Add(15 * time.Second)
	return f.inner.FetchListings(ctx, assetID)
}

func TestRunFetchFailureOnThirdCycle(t *testing.T) {
	fetchErr := &reader.FetchError{Op: "request", AssetID: "bitcoin", StatusCode: 503, Err: errors.New("service unavailable")}
	fetcher := &scriptedFetcher{
		responses: []*models.Listings{bitcoinListings()},
		errs:      map[int]error{3: fetchErr},
	}
	c, _, ctx, dir := newTestCollector(t, fetcher, 0)

	err := c.Run(ctx)
	require.Error(t, err)
	require.Equal(t, 3, fetcher.calls)

	var got *reader.FetchError
	require.ErrorAs(t, err, &got)
	require.Equal(t, 503, got.StatusCode)
	require.Contains(t, err.Error(), "cycle 3")

	lines := strings.Split(strings.TrimSpace(readFile(t, filepath.Join(dir, "bitcoin", "Kraken_EUR.csv"))), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "2024-03-07-09-06,7,-1,7,7", lines[2])
}

func TestRunFirstFetchFailureWritesNothing(t *testing.T) {
	fetcher := &scriptedFetcher{errs: map[int]error{1: &reader.FetchError{Op: "decode", AssetID: "bitcoin", Err: errors.New("bad json")}}}
	c, clock, ctx, dir := newTestCollector(t, fetcher, 0)

	var got *reader.FetchError
	require.ErrorAs(t, c.Run(ctx), &got)
	require.Empty(t, clock.sleeps)

	_, err := os.Stat(filepath.Join(dir, "bitcoin"))
	require.True(t, os.IsNotExist(err))
}

func TestRunArchivesEachCycle(t *testing.T) {
	archiver := &recordingArchiver{}
	fetcher := &scriptedFetcher{responses: []*models.Listings{bitcoinListings()}}
	c, _, ctx, _ := newTestCollector(t, fetcher, 2, WithArchiver(archiver))

	require.ErrorIs(t, c.Run(ctx), context.Canceled)
	require.Len(t, archiver.cycles, 2)
	require.Len(t, archiver.cycles[0], 3)
	require.Equal(t, models.SeriesKey{VenueName: "Kraken", CounterAsset: "EUR"}, archiver.cycles[1][2].Key)
}

func TestRunLogsDataFlowPerCycle(t *testing.T) {
	var buf bytes.Buffer
	log := logger.Logger()
	log.SetOutput(&buf)

	fetcher := &scriptedFetcher{responses: []*models.Listings{bitcoinListings()}}
	c, _, ctx, _ := newTestCollector(t, fetcher, 2, WithArchiver(&recordingArchiver{}), WithLogger(log))
	require.ErrorIs(t, c.Run(ctx), context.Canceled)

	var flows []string
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["message"] != "data flow metric" {
			continue
		}
		require.Equal(t, 3.0, line["record_count"])
		require.Equal(t, "sample", line["data_type"])
		flows = append(flows, line["source"].(string)+">"+line["destination"].(string))
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{
		"listing_fetcher>series_store", "series_store>archive",
		"listing_fetcher>series_store", "series_store>archive",
	}, flows)
}

func TestRunEmitsCycleMetrics(t *testing.T) {
	counts := make(map[string]int)
	values := make(map[string]int)
	id := metrics.RegisterHandler(func(m metrics.Metric) {
		counts[m.Name]++
		if n, ok := m.Value.(int); ok {
			values[m.Name] += n
		}
	})
	t.Cleanup(func() { metrics.UnregisterHandler(id) })

	fetcher := &scriptedFetcher{responses: []*models.Listings{bitcoinListings()}}
	c, _, ctx, _ := newTestCollector(t, fetcher, 3)
	require.ErrorIs(t, c.Run(ctx), context.Canceled)

	require.Equal(t, 1, counts[metrics.MetricSnapshotRows])
	require.Equal(t, 3, values[metrics.MetricSnapshotRows])
	require.Equal(t, 3, counts[metrics.MetricSamplesAppended])
	require.Equal(t, 9, values[metrics.MetricSamplesAppended])
	require.Equal(t, 2, values[metrics.MetricSeriesCreated])
	require.Equal(t, 3, counts[metrics.MetricCycleDuration])
}

func TestRunArchiveFailureIsFatal(t *testing.T) {
	archiver := &recordingArchiver{err: &writer.PersistenceError{Op: "upload", Path: "s3://bucket/key", Err: errors.New("denied")}}
	fetcher := &scriptedFetcher{responses: []*models.Listings{bitcoinListings()}}
	c, _, ctx, _ := newTestCollector(t, fetcher, 0, WithArchiver(archiver))

	var perr *writer.PersistenceError
	require.ErrorAs(t, c.Run(ctx), &perr)
	require.Equal(t, 1, fetcher.calls)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), 0))
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, sleepContext(ctx, -time.Second), context.Canceled)
}
