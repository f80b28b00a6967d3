package writer

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"tickerflow/logger"
	"tickerflow/models"
)

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// SeriesStore appends samples to one CSV file per (venue, counter-asset).
// It keeps no record of which files exist: every append asks the
// filesystem, so a restart continues the same files without repeating a
// header. Two processes writing the same asset are not coordinated.
type SeriesStore struct {
	dataDir string
	log     *logger.Log
}

// CycleResult summarises one AppendCycle call.
type CycleResult struct {
	Samples []models.Sample
	Created int
}

func NewSeriesStore(dataDir string) *SeriesStore {
	if dataDir == "" {
		dataDir = "."
	}
	return &SeriesStore{
		dataDir: dataDir,
		log:     logger.GetLogger(),
	}
}

// AssetDir returns the directory holding the asset's files.
func (s *SeriesStore) AssetDir(assetID string) string {
	return filepath.Join(s.dataDir, assetID)
}

// Path returns the series file path for key.
func (s *SeriesStore) Path(assetID string, key models.SeriesKey) string {
	return filepath.Join(s.AssetDir(assetID), key.FileName())
}

// EnsureAssetDir creates the asset directory if it does not exist.
func (s *SeriesStore) EnsureAssetDir(assetID string) error {
	dir := s.AssetDir(assetID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &PersistenceError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// AppendSample writes one row for record at ts. The file is first created
// exclusively; only that creation writes the header. An existing file is
// never truncated. created reports whether this call wrote the header.
func (s *SeriesStore) AppendSample(assetID string, record models.ListingRecord, ts time.Time) (models.Sample, bool, error) {
	sample := models.NewSample(assetID, record, ts)
	path := s.Path(assetID, sample.Key)

	created, err := createWithHeader(path)
	if err != nil {
		return sample, false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return sample, created, &PersistenceError{Op: "open", Path: path, Err: err}
	}

	if _, err := f.WriteString(SampleRow(sample)); err != nil {
		f.Close()
		return sample, created, &PersistenceError{Op: "append", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return sample, created, &PersistenceError{Op: "close", Path: path, Err: err}
	}

	return sample, created, nil
}

// AppendCycle appends one row per record, all stamped with ts, and stops at
// the first failure. Records sharing a key append to the same file.
func (s *SeriesStore) AppendCycle(assetID string, records []models.ListingRecord, ts time.Time) (CycleResult, error) {
	result := CycleResult{Samples: make([]models.Sample, 0, len(records))}

	if err := s.EnsureAssetDir(assetID); err != nil {
		return result, err
	}

	for _, record := range records {
		sample, created, err := s.AppendSample(assetID, record, ts)
		if created {
			result.Created++
			s.log.WithComponent("series_store").WithFields(logger.Fields{
				"asset_id": assetID,
				"venue":    record.VenueName,
				"target":   record.CounterAsset,
				"path":     s.Path(assetID, sample.Key),
			}).Info("series created")
		}
		if err != nil {
			return result, err
		}
		result.Samples = append(result.Samples, sample)
	}

	return result, nil
}

func createWithHeader(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, &PersistenceError{Op: "create", Path: path, Err: err}
	}

	if _, err := f.WriteString(SeriesHeader); err != nil {
		f.Close()
		return true, &PersistenceError{Op: "write header", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return true, &PersistenceError{Op: "close", Path: path, Err: err}
	}
	return true, nil
}
