// Package export writes consolidated candles to Parquet files and optionally
// uploads them to S3 compatible object storage.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/johnayoung/go-ohlcv-consolidator/internal/config"
	"github.com/johnayoung/go-ohlcv-consolidator/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/parquet-go/parquet-go"
)

// Row is the Parquet layout of one consolidated candle.
type Row struct {
	Symbol           string  `parquet:"symbol"`
	Timeframe        string  `parquet:"timeframe"`
	OpenTime         int64   `parquet:"open_time"`
	Open             float64 `parquet:"open"`
	High             float64 `parquet:"high"`
	Low              float64 `parquet:"low"`
	Close            float64 `parquet:"close"`
	Volume           float64 `parquet:"volume"`
	Sources          string  `parquet:"sources"`
	ContributorCount int32   `parquet:"contributor_count"`
	CloseVariance    float64 `parquet:"close_variance"`
}

func toRow(c models.ConsolidatedCandle) Row {
	return Row{
		Symbol:           c.Symbol,
		Timeframe:        string(c.Timeframe),
		OpenTime:         c.OpenTime,
		Open:             c.Open.InexactFloat64(),
		High:             c.High.InexactFloat64(),
		Low:              c.Low.InexactFloat64(),
		Close:            c.Close.InexactFloat64(),
		Volume:           c.Volume.InexactFloat64(),
		Sources:          c.SourceList(),
		ContributorCount: int32(c.ContributorCount),
		CloseVariance:    c.CloseVariance.InexactFloat64(),
	}
}

// Source is the read path of the store.
type Source interface {
	RangeQuery(ctx context.Context, symbol string, tf models.Timeframe, start, end int64) ([]models.ConsolidatedCandle, error)
}

// Uploader puts a local file into a bucket. *minio.Client satisfies it.
type Uploader interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// NewS3 connects to the endpoint in cfg with static credentials.
func NewS3(cfg config.ExportConfig) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("export endpoint is not configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return client, nil
}

type Request struct {
	Symbol    string
	Timeframe models.Timeframe
	Start     int64
	End       int64
	Path      string
	Upload    bool
}

type Result struct {
	Rows   int
	Path   string
	Object string // bucket/key when uploaded
	Size   int64
}

type Exporter struct {
	source   Source
	uploader Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger
}

// New creates an exporter. uploader may be nil when uploads are not wanted.
func New(source Source, uploader Uploader, cfg config.ExportConfig, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, uploader: uploader, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}
}

// ObjectKey is where an export of the given range lands in the bucket.
func (e *Exporter) ObjectKey(req Request) string {
	name := fmt.Sprintf("%s_%s_%d_%d.parquet", strings.ReplaceAll(req.Symbol, "/", "-"), req.Timeframe, req.Start, req.End)
	return path.Join(e.prefix, req.Symbol, string(req.Timeframe), name)
}

// Export writes every stored candle of the series in [Start, End] to
// req.Path and uploads it when requested.
func (e *Exporter) Export(ctx context.Context, req Request) (Result, error) {
	if !req.Timeframe.IsValid() {
		return Result{}, fmt.Errorf("invalid timeframe %q", req.Timeframe)
	}
	if req.End < req.Start {
		return Result{}, fmt.Errorf("export end %d is before start %d", req.End, req.Start)
	}
	if req.Path == "" {
		return Result{}, errors.New("export path is required")
	}

	candles, err := e.source.RangeQuery(ctx, req.Symbol, req.Timeframe, req.Start, req.End)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read candles: %w", err)
	}
	rows := make([]Row, len(candles))
	for i, c := range candles {
		rows[i] = toRow(c)
	}

	if dir := filepath.Dir(req.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := parquet.WriteFile(req.Path, rows); err != nil {
		return Result{}, fmt.Errorf("failed to write parquet: %w", err)
	}
	res := Result{Rows: len(rows), Path: req.Path}
	if fi, err := os.Stat(req.Path); err == nil {
		res.Size = fi.Size()
	}
	e.logger.InfoContext(ctx, "parquet export written", "symbol", req.Symbol, "timeframe", req.Timeframe,
		"rows", res.Rows, "path", req.Path, "bytes", res.Size)

	if !req.Upload {
		return res, nil
	}
	if e.uploader == nil || e.bucket == "" {
		return res, errors.New("upload requested but export bucket is not configured")
	}
	key := e.ObjectKey(req)
	info, err := e.uploader.FPutObject(ctx, e.bucket, key, req.Path, minio.PutObjectOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return res, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	res.Object = e.bucket + "/" + key
	e.logger.InfoContext(ctx, "parquet export uploaded", "object", res.Object, "etag", info.ETag)
	return res, nil
}

// ReadFile loads an exported file.
func ReadFile(path string) ([]Row, error) {
	return parquet.ReadFile[Row](path)
}
