package writer

import (
	"bufio"
	"os"
	"path/filepath"

	"tickerflow/logger"
	"tickerflow/models"
)

// SnapshotWriter writes <asset>/<asset>.csv, the listing set seen at
// startup. Unlike series files it is recreated on every run.
type SnapshotWriter struct {
	store *SeriesStore
	log   *logger.Log
}

func NewSnapshotWriter(store *SeriesStore) *SnapshotWriter {
	return &SnapshotWriter{
		store: store,
		log:   logger.GetLogger(),
	}
}

// Path returns the snapshot file path for assetID.
func (w *SnapshotWriter) Path(assetID string) string {
	return filepath.Join(w.store.AssetDir(assetID), assetID+".csv")
}

// WriteSnapshot creates the asset directory if needed and truncates any
// previous snapshot before writing the header and one row per record.
func (w *SnapshotWriter) WriteSnapshot(assetID string, records []models.ListingRecord) error {
	if err := w.store.EnsureAssetDir(assetID); err != nil {
		return err
	}

	path := w.Path(assetID)
	f, err := os.Create(path)
	if err != nil {
		return &PersistenceError{Op: "create", Path: path, Err: err}
	}

	buf := bufio.NewWriter(f)
	if _, err := buf.WriteString(SnapshotHeader); err != nil {
		f.Close()
		return &PersistenceError{Op: "write header", Path: path, Err: err}
	}
	for _, record := range records {
		if _, err := buf.WriteString(SnapshotRow(record)); err != nil {
			f.Close()
			return &PersistenceError{Op: "write row", Path: path, Err: err}
		}
	}
	if err := buf.Flush(); err != nil {
		f.Close()
		return &PersistenceError{Op: "flush", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}

	w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"asset_id": assetID,
		"path":     path,
		"rows":     len(records),
	}).Info("snapshot written")
	return nil
}
