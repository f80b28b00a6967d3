package writer

import (
	"strconv"
	"strings"
	"time"

	"tickerflow/models"
)

const (
	// SnapshotHeader is the first line of <asset>/<asset>.csv.
	SnapshotHeader = "exchange,target,marked_anomaly,stale\n"
	// SeriesHeader is the first line of every series file. "volme" is
	// historical and kept so existing files stay readable by their consumers.
	SeriesHeader = "date,volme,spread,last_digit,first_digit\n"

	sampleTimeLayout = "2006-01-02-15-04"
)

// FormatTimestamp renders ts in UTC at minute resolution, dash separated.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(sampleTimeLayout)
}

// FormatNumber renders v as the shortest decimal that parses back to v,
// never in exponent form: 1234.5, 1000, -1.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Digits returns the last and first characters of the decimal string used
// for the volume column.
func Digits(volume string) (last, first string) {
	if volume == "" {
		return "", ""
	}
	return volume[len(volume)-1:], volume[:1]
}

// SampleRow encodes one series row including the trailing newline.
func SampleRow(s models.Sample) string {
	volume := FormatNumber(s.Volume)
	last, first := Digits(volume)

	var b strings.Builder
	b.WriteString(FormatTimestamp(s.Timestamp))
	b.WriteByte(',')
	b.WriteString(volume)
	b.WriteByte(',')
	b.WriteString(FormatNumber(s.SpreadPercent))
	b.WriteByte(',')
	b.WriteString(last)
	b.WriteByte(',')
	b.WriteString(first)
	b.WriteByte('\n')
	return b.String()
}

// SnapshotRow encodes one snapshot row including the trailing newline.
func SnapshotRow(r models.ListingRecord) string {
	return r.VenueName + "," + r.CounterAsset + "," +
		strconv.FormatBool(r.IsAnomaly) + "," + strconv.FormatBool(r.IsStale) + "\n"
}
