package models

import (
	"strings"
	"time"
)

// MissingSpread is written in place of a spread percentage the provider did
// not report. It cannot be told apart from a reported -1 spread.
const MissingSpread = -1.0

// ListingRecord is one venue listing of the tracked asset against a
// counter-asset, as decoded from a single fetch.
type ListingRecord struct {
	VenueName     string
	CounterAsset  string
	Volume        float64
	SpreadPercent float64
	IsAnomaly     bool
	IsStale       bool
}

// Listings is the result of one fetch.
type Listings struct {
	AssetID   string
	AssetName string
	Records   []ListingRecord
}

// SeriesKey identifies the series file a record is appended to.
type SeriesKey struct {
	VenueName    string
	CounterAsset string
}

// Key returns the series key of the record.
func (r ListingRecord) Key() SeriesKey {
	return SeriesKey{VenueName: r.VenueName, CounterAsset: r.CounterAsset}
}

// fileNameEscaper percent-encodes path separators and '%' itself, so two
// distinct keys never share a file name.
var fileNameEscaper = strings.NewReplacer("%", "%25", "/", "%2F", `\`, "%5C")

// FileName returns "<venue>_<counter>.csv". Path separators inside either
// part are percent-encoded so the name stays a single path element; the
// match is otherwise case-sensitive and byte-exact.
func (k SeriesKey) FileName() string {
	return fileNameEscaper.Replace(k.VenueName) + "_" + fileNameEscaper.Replace(k.CounterAsset) + ".csv"
}

// Sample is one row of a series file.
type Sample struct {
	AssetID       string
	Key           SeriesKey
	Timestamp     time.Time
	Volume        float64
	SpreadPercent float64
}

// NewSample builds the sample persisted for record at ts.
func NewSample(assetID string, record ListingRecord, ts time.Time) Sample {
	return Sample{
		AssetID:       assetID,
		Key:           record.Key(),
		Timestamp:     ts,
		Volume:        record.Volume,
		SpreadPercent: record.SpreadPercent,
	}
}
