package writer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	appconfig "bookflow/config"
)

func parquetConfig(dir string, batchSize int) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Bookflow.Name = "bookflow-test"
	cfg.Writer.Parquet.Enabled = true
	cfg.Writer.Parquet.LocalDir = dir
	cfg.Writer.Parquet.Compression = "snappy"
	cfg.Writer.Parquet.BatchSize = batchSize
	cfg.Writer.Parquet.FlushInterval = appconfig.Duration(time.Hour)
	return cfg
}

func findParquetFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".parquet") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return files
}

func readFeatureRecords(t *testing.T, path string) []featureRecord {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet file: %v", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(featureRecord), 4)
	if err != nil {
		t.Fatalf("create parquet reader: %v", err)
	}
	defer pr.ReadStop()

	recs := make([]featureRecord, int(pr.GetNumRows()))
	if err := pr.Read(&recs); err != nil {
		t.Fatalf("read parquet records: %v", err)
	}
	return recs
}

func TestParquetWriterFlushesOnBatchSize(t *testing.T) {
	dir := t.TempDir()
	pw, err := NewParquetWriter(parquetConfig(dir, 2))
	if err != nil {
		t.Fatalf("NewParquetWriter: %v", err)
	}
	defer pw.Close()

	if err := pw.Append(testSnapshot("BTC-USD", testTime, true)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := pw.Append(testSnapshot("BTC-USD", testTime.Add(10*time.Second), false)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	files := findParquetFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 parquet file, got %d: %v", len(files), files)
	}

	rel, err := filepath.Rel(dir, files[0])
	if err != nil {
		t.Fatalf("rel: %v", err)
	}
	rel = filepath.ToSlash(rel)
	if !strings.HasPrefix(rel, "product=BTC-USD/2024/01/15/10/features_BTCUSD_") {
		t.Fatalf("unexpected file layout: %s", rel)
	}

	if _, err := os.Stat(filepath.Join(dir, "metadata", "metadata.json")); err != nil {
		t.Fatalf("table metadata not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "catalog", "bookflow-test.json")); err != nil {
		t.Fatalf("catalog entry not written: %v", err)
	}
}

func TestParquetWriterCloseFlushesRemainder(t *testing.T) {
	dir := t.TempDir()
	pw, err := NewParquetWriter(parquetConfig(dir, 100))
	if err != nil {
		t.Fatalf("NewParquetWriter: %v", err)
	}

	if err := pw.Append(testSnapshot("ETH-USD", testTime, false)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(findParquetFiles(t, dir)) != 0 {
		t.Fatal("expected no files before close")
	}

	if err := pw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(findParquetFiles(t, dir)) != 1 {
		t.Fatal("expected close to flush the remaining buffer")
	}

	// A second close is a no-op.
	if err := pw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestParquetWriterRecordsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pw, err := NewParquetWriter(parquetConfig(dir, 2))
	if err != nil {
		t.Fatalf("NewParquetWriter: %v", err)
	}
	defer pw.Close()

	withTicker := testSnapshot("BTC-USD", testTime, true)
	without := testSnapshot("BTC-USD", testTime.Add(10*time.Second), false)
	if err := pw.Append(withTicker); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := pw.Append(without); err != nil {
		t.Fatalf("Append: %v", err)
	}

	files := findParquetFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 parquet file, got %d", len(files))
	}
	recs := readFeatureRecords(t, files[0])
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}

	first := recs[0]
	if first.ProductID != "BTC-USD" || first.BestBid != 42000 || first.BestAsk != 42001 {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if first.Timestamp != testTime.UnixMilli() {
		t.Fatalf("unexpected timestamp: %d", first.Timestamp)
	}
	if !first.HasTicker || first.TickerPrice != 42000.5 {
		t.Fatalf("expected ticker fields, got %+v", first)
	}

	second := recs[1]
	if second.HasTicker || second.TickerPrice != 0 {
		t.Fatalf("expected empty ticker fields, got %+v", second)
	}
	if second.DepthLevels != 10 {
		t.Fatalf("unexpected depth levels: %d", second.DepthLevels)
	}
}

func TestParquetWriterCompressionCodecs(t *testing.T) {
	for _, compression := range []string{"snappy", "gzip", "uncompressed"} {
		t.Run(compression, func(t *testing.T) {
			dir := t.TempDir()
			cfg := parquetConfig(dir, 1)
			cfg.Writer.Parquet.Compression = compression

			pw, err := NewParquetWriter(cfg)
			if err != nil {
				t.Fatalf("NewParquetWriter: %v", err)
			}
			defer pw.Close()

			if err := pw.Append(testSnapshot("BTC-USD", testTime, true)); err != nil {
				t.Fatalf("Append: %v", err)
			}

			files := findParquetFiles(t, dir)
			if len(files) != 1 {
				t.Fatalf("expected 1 parquet file, got %d", len(files))
			}
			recs := readFeatureRecords(t, files[0])
			if len(recs) != 1 || recs[0].ProductID != "BTC-USD" {
				t.Fatalf("unexpected records: %+v", recs)
			}
		})
	}
}

func TestParquetObjectKeyLayout(t *testing.T) {
	pw := &ParquetWriter{config: &appconfig.Config{}}

	key := pw.objectKey("ETH-USD", time.Date(2024, 3, 7, 5, 30, 0, 0, time.UTC), "f.parquet")
	if key != "product=ETH-USD/2024/03/07/05/f.parquet" {
		t.Fatalf("unexpected key: %s", key)
	}

	name := pw.fileName("ETH-USD")
	if !strings.HasPrefix(name, "features_ETHUSD_") || !strings.HasSuffix(name, ".parquet") {
		t.Fatalf("unexpected file name: %s", name)
	}
}
