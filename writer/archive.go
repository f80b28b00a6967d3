package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "tickerflow/config"
	"tickerflow/logger"
	"tickerflow/models"
)

type sampleParquetRecord struct {
	AssetID       string  `parquet:"name=asset_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange      string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Target        string  `parquet:"name=target, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Volume        float64 `parquet:"name=volume, type=DOUBLE"`
	SpreadPercent float64 `parquet:"name=spread, type=DOUBLE"`
	LastDigit     string  `parquet:"name=last_digit, type=BYTE_ARRAY, convertedtype=UTF8"`
	FirstDigit    string  `parquet:"name=first_digit, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// objectPutter is the part of *s3.Client the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads the samples of each cycle to S3 as one parquet object.
// It is a copy of what the series files already hold, not a replacement.
type S3Archiver struct {
	client      objectPutter
	bucket      string
	prefix      string
	compression string
	version     string
	log         *logger.Log
}

// NewS3Archiver builds an archiver from the storage section of cfg.
func NewS3Archiver(ctx context.Context, cfg *appconfig.Config) (*S3Archiver, error) {
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	return newS3Archiver(client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix,
		cfg.Writer.Formats.Parquet.Compression, cfg.Tickerflow.Version), nil
}

func newS3Archiver(client objectPutter, bucket, prefix, compression, version string) *S3Archiver {
	return &S3Archiver{
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		compression: compression,
		version:     version,
		log:         logger.GetLogger(),
	}
}

// ArchiveCycle uploads samples taken at ts. An empty cycle uploads nothing.
func (a *S3Archiver) ArchiveCycle(ctx context.Context, assetID string, ts time.Time, samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	key := a.objectKey(assetID, ts)
	data, err := a.createParquet(samples)
	if err != nil {
		return &PersistenceError{Op: "encode parquet", Path: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        a.compression,
			"tickerflow-version": a.version,
			"asset-id":           assetID,
		},
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := a.client.PutObject(uploadCtx, input); err != nil {
		return &PersistenceError{Op: "upload", Path: "s3://" + a.bucket + "/" + key, Err: err}
	}

	a.log.WithComponent("s3_archiver").WithFields(logger.Fields{
		"asset_id":     assetID,
		"s3_key":       key,
		"file_size":    len(data),
		"record_count": len(samples),
	}).Info("cycle archived")
	return nil
}

func (a *S3Archiver) createParquet(samples []models.Sample) ([]byte, error) {
	mem := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mem, new(sampleParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(a.compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, s := range samples {
		volume := FormatNumber(s.Volume)
		last, first := Digits(volume)
		record := sampleParquetRecord{
			AssetID:       s.AssetID,
			Exchange:      s.Key.VenueName,
			Target:        s.Key.CounterAsset,
			Timestamp:     s.Timestamp.UTC().UnixMilli(),
			Volume:        s.Volume,
			SpreadPercent: s.SpreadPercent,
			LastDigit:     last,
			FirstDigit:    first,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write sample record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.Bytes(), nil
}

// objectKey returns <prefix>/asset=<id>/date=<day>/<id>_<minute>_<uuid>.parquet.
func (a *S3Archiver) objectKey(assetID string, ts time.Time) string {
	ts = ts.UTC()
	filename := fmt.Sprintf("%s_%s_%s.parquet", assetID, ts.Format("200601021504"), uuid.NewString())
	return path.Join(
		a.prefix,
		"asset="+assetID,
		"date="+ts.Format("2006-01-02"),
		filename,
	)
}
