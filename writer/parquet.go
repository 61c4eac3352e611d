package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bookflow/config"
	"bookflow/internal/metadata"
	"bookflow/logger"
	"bookflow/models"
)

// featureRecord is the parquet schema for one emitted snapshot row. Ticker
// columns are zero with has_ticker=false when no quote joined the snapshot.
type featureRecord struct {
	Timestamp       int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ProductID       string  `parquet:"name=product_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestBid         float64 `parquet:"name=best_bid, type=DOUBLE"`
	BestAsk         float64 `parquet:"name=best_ask, type=DOUBLE"`
	MidPrice        float64 `parquet:"name=mid_price, type=DOUBLE"`
	Spread          float64 `parquet:"name=spread, type=DOUBLE"`
	SpreadBps       float64 `parquet:"name=spread_bps, type=DOUBLE"`
	BestBidSize     float64 `parquet:"name=best_bid_size, type=DOUBLE"`
	BestAskSize     float64 `parquet:"name=best_ask_size, type=DOUBLE"`
	BidVolume       float64 `parquet:"name=bid_volume, type=DOUBLE"`
	AskVolume       float64 `parquet:"name=ask_volume, type=DOUBLE"`
	TotalDepth      float64 `parquet:"name=total_depth, type=DOUBLE"`
	Microprice      float64 `parquet:"name=microprice, type=DOUBLE"`
	OrderImbalance  float64 `parquet:"name=order_imbalance, type=DOUBLE"`
	BidVWAP         float64 `parquet:"name=bid_vwap, type=DOUBLE"`
	AskVWAP         float64 `parquet:"name=ask_vwap, type=DOUBLE"`
	MarketImpactBps float64 `parquet:"name=market_impact_bps, type=DOUBLE"`
	DepthLevels     int32   `parquet:"name=depth_levels, type=INT32"`
	HasTicker       bool    `parquet:"name=has_ticker, type=BOOLEAN"`
	TickerPrice     float64 `parquet:"name=ticker_price, type=DOUBLE"`
	TickerVolume24h float64 `parquet:"name=ticker_volume_24h, type=DOUBLE"`
	TickerLow24h    float64 `parquet:"name=ticker_low_24h, type=DOUBLE"`
	TickerHigh24h   float64 `parquet:"name=ticker_high_24h, type=DOUBLE"`
	TickerChangePct float64 `parquet:"name=ticker_price_change_24h_pct, type=DOUBLE"`
}

func newFeatureRecord(snap models.FeatureSnapshot) featureRecord {
	rec := featureRecord{
		Timestamp:       snap.Timestamp.UTC().UnixMilli(),
		ProductID:       snap.ProductID,
		BestBid:         snap.BestBid,
		BestAsk:         snap.BestAsk,
		MidPrice:        snap.MidPrice,
		Spread:          snap.Spread,
		SpreadBps:       snap.SpreadBps,
		BestBidSize:     snap.BestBidSize,
		BestAskSize:     snap.BestAskSize,
		BidVolume:       snap.BidVolume,
		AskVolume:       snap.AskVolume,
		TotalDepth:      snap.TotalDepth,
		Microprice:      snap.Microprice,
		OrderImbalance:  snap.OrderImbalance,
		BidVWAP:         snap.BidVWAP,
		AskVWAP:         snap.AskVWAP,
		MarketImpactBps: snap.MarketImpactBps,
		DepthLevels:     int32(snap.DepthLevels),
	}
	if snap.Ticker != nil {
		rec.HasTicker = true
		rec.TickerPrice = snap.Ticker.Price
		rec.TickerVolume24h = snap.Ticker.Volume24h
		rec.TickerLow24h = snap.Ticker.Low24h
		rec.TickerHigh24h = snap.Ticker.High24h
		rec.TickerChangePct = snap.Ticker.PriceChangePct24h
	}
	return rec
}

// memoryFile implements the ParquetFile interface backed by a byte buffer so
// a parquet file can be assembled without touching disk.
type memoryFile struct {
	buf bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memoryFile) Read([]byte) (int, error)                  { return 0, nil }
func (m *memoryFile) Write(p []byte) (int, error)               { return m.buf.Write(p) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buf.Bytes() }

const partitionTemplate = "{year}/{month}/{day}/{hour}"

// ParquetWriter buffers snapshots per product and writes a parquet file per
// flush to a local directory, an S3 bucket, or both. A buffer flushes when
// it reaches the configured batch size, on the flush interval, and on Close.
// Every delivered file is registered with the Iceberg metadata generator.
type ParquetWriter struct {
	config   *appconfig.Config
	s3Client *s3.Client
	metaGen  *metadata.Generator
	ctx      context.Context

	mu     sync.Mutex
	buffer map[string][]models.FeatureSnapshot
	closed bool

	flushTicker *time.Ticker
	done        chan struct{}
	wg          sync.WaitGroup

	filesWritten int64
	rowsWritten  int64
	bytesWritten int64
	writeErrors  int64

	log *logger.Log
}

// NewParquetWriter configures the S3 client when remote delivery is enabled
// and starts the interval flusher.
func NewParquetWriter(cfg *appconfig.Config) (*ParquetWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	var s3Client *s3.Client
	if cfg.Writer.S3.Enabled {
		loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Writer.S3.Region)}
		if cfg.Writer.S3.AccessKeyID != "" && cfg.Writer.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Writer.S3.AccessKeyID,
					cfg.Writer.S3.SecretAccessKey,
					"",
				),
			))
		}

		awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		creds, err := awsConfig.Credentials.Retrieve(ctx)
		if err != nil || !creds.HasKeys() {
			return nil, fmt.Errorf("aws credentials not found")
		}

		s3Client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if cfg.Writer.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Writer.S3.Endpoint)
			}
			o.UsePathStyle = cfg.Writer.S3.PathStyle
		})
	}

	// Iceberg metadata lives next to the local files; with S3-only delivery
	// it still needs a directory to land in.
	metaDir := cfg.Writer.Parquet.LocalDir
	if metaDir == "" {
		var err error
		metaDir, err = os.MkdirTemp("", "bookflow-iceberg")
		if err != nil {
			return nil, fmt.Errorf("failed to create metadata directory: %w", err)
		}
	}

	p := &ParquetWriter{
		config:      cfg,
		s3Client:    s3Client,
		metaGen:     metadata.NewGenerator(metaDir, cfg.Bookflow.Name),
		ctx:         ctx,
		buffer:      make(map[string][]models.FeatureSnapshot),
		flushTicker: time.NewTicker(cfg.Writer.Parquet.FlushInterval.Std()),
		done:        make(chan struct{}),
		log:         log,
	}

	if err := p.metaGen.WriteCatalogEntry(filepath.Join(metaDir, "catalog")); err != nil {
		log.WithComponent("parquet_writer").WithError(err).Warn("failed to write catalog entry")
	}

	p.wg.Add(1)
	go p.flushLoop()

	log.WithComponent("parquet_writer").WithFields(logger.Fields{
		"local_dir":      cfg.Writer.Parquet.LocalDir,
		"compression":    cfg.Writer.Parquet.Compression,
		"batch_size":     cfg.Writer.Parquet.BatchSize,
		"flush_interval": cfg.Writer.Parquet.FlushInterval.Std().String(),
		"s3_enabled":     cfg.Writer.S3.Enabled,
		"s3_bucket":      cfg.Writer.S3.Bucket,
	}).Info("parquet writer initialized")

	return p, nil
}

// Append buffers one snapshot, flushing its product when the buffer reaches
// the configured batch size.
func (p *ParquetWriter) Append(snap models.FeatureSnapshot) error {
	p.mu.Lock()
	p.buffer[snap.ProductID] = append(p.buffer[snap.ProductID], snap)
	flushNow := len(p.buffer[snap.ProductID]) >= p.config.Writer.Parquet.BatchSize
	p.mu.Unlock()

	if flushNow {
		return p.flushProduct(snap.ProductID, "batch_size")
	}
	return nil
}

// Flush writes out every buffered product.
func (p *ParquetWriter) Flush() error {
	return p.flushAll("manual")
}

// Close stops the interval flusher, writes out remaining buffers and logs
// writer totals. Safe to call more than once.
func (p *ParquetWriter) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.flushTicker.Stop()
	p.wg.Wait()
	err := p.flushAll("shutdown")

	p.log.WithComponent("parquet_writer").WithFields(logger.Fields{
		"files_written": atomic.LoadInt64(&p.filesWritten),
		"rows_written":  atomic.LoadInt64(&p.rowsWritten),
		"bytes_written": atomic.LoadInt64(&p.bytesWritten),
		"write_errors":  atomic.LoadInt64(&p.writeErrors),
	}).Info("parquet writer closed")
	return err
}

func (p *ParquetWriter) flushLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.flushTicker.C:
			if err := p.flushAll("interval"); err != nil {
				p.log.WithComponent("parquet_writer").WithError(err).Warn("interval flush failed")
			}
		}
	}
}

func (p *ParquetWriter) flushAll(reason string) error {
	p.mu.Lock()
	products := make([]string, 0, len(p.buffer))
	for productID := range p.buffer {
		products = append(products, productID)
	}
	p.mu.Unlock()

	var firstErr error
	for _, productID := range products {
		if err := p.flushProduct(productID, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushProduct encodes one product buffer into a parquet file and delivers
// it to the enabled destinations.
func (p *ParquetWriter) flushProduct(productID, reason string) error {
	p.mu.Lock()
	rows := p.buffer[productID]
	delete(p.buffer, productID)
	p.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	log := p.log.WithComponent("parquet_writer").WithFields(logger.Fields{
		"product_id": productID,
		"rows":       len(rows),
		"reason":     reason,
	})

	data, err := p.encodeParquet(rows)
	if err != nil {
		atomic.AddInt64(&p.writeErrors, 1)
		log.WithError(err).Error("failed to encode parquet file")
		return err
	}

	// The file lands in the partition of its first row's capture hour.
	partTime := rows[0].Timestamp.UTC()
	relKey := p.objectKey(productID, partTime, p.fileName(productID))

	var delivered string
	var firstErr error

	if dir := p.config.Writer.Parquet.LocalDir; dir != "" {
		fullPath := filepath.Join(dir, filepath.FromSlash(relKey))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			firstErr = fmt.Errorf("create parquet directory: %w", err)
		} else if err := os.WriteFile(fullPath, data, 0o644); err != nil {
			firstErr = fmt.Errorf("write parquet file: %w", err)
		} else {
			delivered = fullPath
		}
		if firstErr != nil {
			log.WithError(firstErr).Error("failed to write parquet file locally")
		}
	}

	if p.s3Client != nil {
		s3Key := relKey
		if prefix := strings.Trim(p.config.Writer.S3.Prefix, "/"); prefix != "" {
			s3Key = prefix + "/" + relKey
		}
		if err := p.uploadToS3(s3Key, data, len(rows)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.WithError(err).
				WithEnv("S3_BUCKET").
				WithFields(logger.Fields{"bucket": p.config.Writer.S3.Bucket, "s3_key": s3Key}).
				Error("failed to upload to S3")
		} else {
			delivered = fmt.Sprintf("s3://%s/%s", p.config.Writer.S3.Bucket, s3Key)
		}
	}

	if delivered == "" {
		atomic.AddInt64(&p.writeErrors, 1)
		return firstErr
	}

	df := metadata.DataFile{
		Path:        delivered,
		FileSize:    int64(len(data)),
		RecordCount: int64(len(rows)),
		Partition: map[string]any{
			"product": productID,
			"year":    partTime.Year(),
			"month":   int(partTime.Month()),
			"day":     partTime.Day(),
			"hour":    partTime.Hour(),
		},
		Timestamp: partTime,
	}
	if err := p.metaGen.AddFile(df); err != nil {
		log.WithError(err).Warn("failed to update table metadata")
	}

	atomic.AddInt64(&p.filesWritten, 1)
	atomic.AddInt64(&p.rowsWritten, int64(len(rows)))
	atomic.AddInt64(&p.bytesWritten, int64(len(data)))
	logger.IncrementSinkWrite("parquet", int64(len(data)))

	log.WithFields(logger.Fields{
		"path":  delivered,
		"bytes": len(data),
	}).Info("snapshot batch flushed")
	return firstErr
}

func (p *ParquetWriter) encodeParquet(rows []models.FeatureSnapshot) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(featureRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = p.compressionCodec()

	for _, snap := range rows {
		if err := pw.Write(newFeatureRecord(snap)); err != nil {
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func (p *ParquetWriter) compressionCodec() parquet.CompressionCodec {
	switch strings.ToLower(p.config.Writer.Parquet.Compression) {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

func (p *ParquetWriter) fileName(productID string) string {
	return fmt.Sprintf("features_%s_%s.parquet",
		strings.ReplaceAll(productID, "-", ""), uuid.New().String())
}

func (p *ParquetWriter) objectKey(productID string, ts time.Time, fileName string) string {
	datePath := partitionTemplate
	datePath = strings.ReplaceAll(datePath, "{year}", fmt.Sprintf("%04d", ts.Year()))
	datePath = strings.ReplaceAll(datePath, "{month}", fmt.Sprintf("%02d", int(ts.Month())))
	datePath = strings.ReplaceAll(datePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	datePath = strings.ReplaceAll(datePath, "{hour}", fmt.Sprintf("%02d", ts.Hour()))

	return filepath.ToSlash(filepath.Join(fmt.Sprintf("product=%s", productID), datePath, fileName))
}

func (p *ParquetWriter) uploadToS3(key string, data []byte, records int) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.config.Writer.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"source":  p.config.Bookflow.Name,
			"records": strconv.Itoa(records),
		},
	}
	_, err := p.s3Client.PutObject(p.ctx, input)
	return err
}
