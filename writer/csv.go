package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// CSVSink appends snapshots to a single CSV file, one row per snapshot.
// Book feature columns come first, ticker columns last; ticker cells are
// left empty when no quote joined the snapshot.
type CSVSink struct {
	path string
	file *os.File
	w    *csv.Writer
	mu   sync.Mutex

	rowsWritten  int64
	bytesWritten int64

	log *logger.Log
}

// NewCSVSink creates the output file, truncating any previous run, and
// writes the header row. Volume column names carry the configured depth so
// exports produced with different depths are not silently mixed.
func NewCSVSink(cfg *appconfig.Config) (*CSVSink, error) {
	path := cfg.Writer.CSV.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create csv directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	s := &CSVSink{
		path: path,
		file: file,
		w:    csv.NewWriter(file),
		log:  logger.GetLogger(),
	}
	if err := s.w.Write(csvHeader(cfg.Engine.DepthLevels)); err != nil {
		file.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	s.log.WithComponent("csv_sink").WithFields(logger.Fields{
		"path":  path,
		"depth": cfg.Engine.DepthLevels,
	}).Debug("csv sink initialized")
	return s, nil
}

func csvHeader(depth int) []string {
	return []string{
		"timestamp", "product_id",
		"best_bid", "best_ask", "mid_price", "spread", "spread_bps",
		"best_bid_size", "best_ask_size",
		fmt.Sprintf("bid_volume_%d", depth), fmt.Sprintf("ask_volume_%d", depth),
		"total_depth", "microprice", "order_imbalance",
		"bid_vwap", "ask_vwap", "market_impact_bps",
		"ticker_price", "ticker_volume_24h", "ticker_low_24h", "ticker_high_24h",
		"ticker_price_change_24h_pct",
	}
}

// Append writes one snapshot row.
func (s *CSVSink) Append(snap models.FeatureSnapshot) error {
	record := csvRow(snap)

	s.mu.Lock()
	err := s.w.Write(record)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}

	// Fields never need quoting, so the serialized size is the field bytes
	// plus one separator or newline per field.
	var size int
	for _, field := range record {
		size += len(field) + 1
	}
	atomic.AddInt64(&s.rowsWritten, 1)
	atomic.AddInt64(&s.bytesWritten, int64(size))
	logger.IncrementSinkWrite("csv", int64(size))
	return nil
}

func csvRow(snap models.FeatureSnapshot) []string {
	record := []string{
		snap.Timestamp.UTC().Format(time.RFC3339Nano),
		snap.ProductID,
		formatFloat(snap.BestBid),
		formatFloat(snap.BestAsk),
		formatFloat(snap.MidPrice),
		formatFloat(snap.Spread),
		formatFloat(snap.SpreadBps),
		formatFloat(snap.BestBidSize),
		formatFloat(snap.BestAskSize),
		formatFloat(snap.BidVolume),
		formatFloat(snap.AskVolume),
		formatFloat(snap.TotalDepth),
		formatFloat(snap.Microprice),
		formatFloat(snap.OrderImbalance),
		formatFloat(snap.BidVWAP),
		formatFloat(snap.AskVWAP),
		formatFloat(snap.MarketImpactBps),
	}
	if snap.Ticker != nil {
		record = append(record,
			formatFloat(snap.Ticker.Price),
			formatFloat(snap.Ticker.Volume24h),
			formatFloat(snap.Ticker.Low24h),
			formatFloat(snap.Ticker.High24h),
			formatFloat(snap.Ticker.PriceChangePct24h),
		)
	} else {
		record = append(record, "", "", "", "", "")
	}
	return record
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Flush forces buffered rows to the underlying file.
func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.w.Error()
}

// Close flushes remaining rows and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	s.w.Flush()
	flushErr := s.w.Error()
	closeErr := s.file.Close()
	s.mu.Unlock()

	s.log.WithComponent("csv_sink").WithFields(logger.Fields{
		"path":  s.path,
		"rows":  atomic.LoadInt64(&s.rowsWritten),
		"bytes": atomic.LoadInt64(&s.bytesWritten),
	}).Info("csv sink closed")

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
