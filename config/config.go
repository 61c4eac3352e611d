package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "10s" style values in YAML, which yaml.v3 does not decode
// into time.Duration on its own. Bare integers are taken as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Bookflow BookflowConfig `yaml:"bookflow"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Channels ChannelsConfig `yaml:"channels"`
	Reader   ReaderConfig   `yaml:"reader"`
	Engine   EngineConfig   `yaml:"engine"`
	Writer   WriterConfig   `yaml:"writer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type BookflowConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Interval   Duration         `yaml:"interval"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	EventBuffer    int `yaml:"event_buffer"`
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

// ReaderConfig locates the capture files and paces their replay. RateLimit
// is decoded events per second; zero replays at full speed.
type ReaderConfig struct {
	Level2Path string   `yaml:"level2_path"`
	TickerPath string   `yaml:"ticker_path"`
	Products   []string `yaml:"products"`
	RateLimit  int      `yaml:"rate_limit"`
	RateBurst  int      `yaml:"rate_burst"`
}

// EngineConfig drives the reconstruction pass: emission cadence, feature
// depth, the ticker join window and the outlier screen. MaxWorkers above one
// shards instruments across workers.
type EngineConfig struct {
	SnapshotInterval Duration      `yaml:"snapshot_interval"`
	DepthLevels      int           `yaml:"depth_levels"`
	MaxWorkers       int           `yaml:"max_workers"`
	TickerTolerance  Duration      `yaml:"ticker_tolerance"`
	Outlier          OutlierConfig `yaml:"outlier"`
}

type OutlierConfig struct {
	Policy       string  `yaml:"policy"`
	ThresholdPct float64 `yaml:"threshold_pct"`
	EMAAlpha     float64 `yaml:"ema_alpha"`
}

type WriterConfig struct {
	CSV     CSVConfig     `yaml:"csv"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type CSVConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ParquetConfig struct {
	Enabled       bool     `yaml:"enabled"`
	LocalDir      string   `yaml:"local_dir"`
	Compression   string   `yaml:"compression"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Defaults mirror the production capture pipeline.
	config := Config{
		Metrics: MetricsConfig{
			Enabled:  true,
			Interval: Duration(30 * time.Second),
		},
		Channels: ChannelsConfig{
			EventBuffer:    65536,
			SnapshotBuffer: 8192,
		},
		Reader: ReaderConfig{
			Products: []string{"BTC-USD", "ETH-USD"},
		},
		Engine: EngineConfig{
			SnapshotInterval: Duration(10 * time.Second),
			DepthLevels:      10,
			MaxWorkers:       1,
			TickerTolerance:  Duration(5 * time.Second),
			Outlier: OutlierConfig{
				Policy:       "ema",
				ThresholdPct: 10,
				EMAAlpha:     0.05,
			},
		},
		Writer: WriterConfig{
			Parquet: ParquetConfig{
				Compression:   "snappy",
				BatchSize:     5000,
				FlushInterval: Duration(30 * time.Second),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Bookflow.Environment == "" {
		config.Bookflow.Environment = AppEnvironment()
	}

	// Override S3 settings from environment variables if available
	if config.Writer.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Writer.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Writer.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Writer.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Writer.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Writer.S3.Bucket = strings.TrimSpace(config.Writer.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}

	if cfg.Reader.Level2Path == "" {
		return fmt.Errorf("reader.level2_path is required")
	}
	if cfg.Reader.RateLimit < 0 {
		return fmt.Errorf("reader.rate_limit must not be negative")
	}

	if cfg.Engine.SnapshotInterval.Std() <= 0 {
		return fmt.Errorf("engine.snapshot_interval must be greater than 0")
	}
	if cfg.Engine.DepthLevels <= 0 {
		return fmt.Errorf("engine.depth_levels must be greater than 0")
	}
	if cfg.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("engine.max_workers must be greater than 0")
	}
	if cfg.Engine.TickerTolerance.Std() < 0 {
		return fmt.Errorf("engine.ticker_tolerance must not be negative")
	}
	if cfg.Engine.TickerTolerance.Std()%time.Second != 0 {
		return fmt.Errorf("engine.ticker_tolerance must be whole seconds")
	}

	switch strings.ToLower(cfg.Engine.Outlier.Policy) {
	case "", "off", "reference", "ema":
	default:
		return fmt.Errorf("engine.outlier.policy '%s' is invalid", cfg.Engine.Outlier.Policy)
	}
	if cfg.Engine.Outlier.ThresholdPct < 0 {
		return fmt.Errorf("engine.outlier.threshold_pct must not be negative")
	}
	if strings.ToLower(cfg.Engine.Outlier.Policy) == "ema" {
		if cfg.Engine.Outlier.EMAAlpha <= 0 || cfg.Engine.Outlier.EMAAlpha > 1 {
			return fmt.Errorf("engine.outlier.ema_alpha must be in (0, 1]")
		}
	}

	if cfg.Writer.CSV.Enabled && cfg.Writer.CSV.Path == "" {
		return fmt.Errorf("writer.csv.path is required when CSV output is enabled")
	}

	if cfg.Writer.Parquet.Enabled {
		if cfg.Writer.Parquet.BatchSize <= 0 {
			return fmt.Errorf("writer.parquet.batch_size must be greater than 0")
		}
		if cfg.Writer.Parquet.FlushInterval.Std() <= 0 {
			return fmt.Errorf("writer.parquet.flush_interval must be greater than 0")
		}
		if cfg.Writer.Parquet.LocalDir == "" && !cfg.Writer.S3.Enabled {
			return fmt.Errorf("writer.parquet.local_dir is required when parquet output is enabled without S3")
		}
		switch cfg.Writer.Parquet.Compression {
		case "", "snappy", "gzip", "uncompressed":
		default:
			return fmt.Errorf("writer.parquet.compression '%s' is invalid", cfg.Writer.Parquet.Compression)
		}
	}

	if cfg.Writer.S3.Enabled {
		if cfg.Writer.S3.Bucket == "" {
			return fmt.Errorf("writer.s3.bucket is required when S3 is enabled")
		}
		if cfg.Writer.S3.Region == "" {
			return fmt.Errorf("writer.s3.region is required when S3 is enabled")
		}
		if IsProductionLike(cfg.Bookflow.Environment) {
			if cfg.Writer.S3.AccessKeyID == "" || cfg.Writer.S3.SecretAccessKey == "" {
				return fmt.Errorf("writer.s3.access_key_id and writer.s3.secret_access_key are required when S3 is enabled")
			}
		}
		if !isValidS3Bucket(cfg.Writer.S3.Bucket) {
			return fmt.Errorf("writer.s3.bucket '%s' is invalid", cfg.Writer.S3.Bucket)
		}
	}

	if cfg.Writer.Kafka.Enabled {
		if len(cfg.Writer.Kafka.Brokers) == 0 {
			return fmt.Errorf("writer.kafka.brokers is required when kafka output is enabled")
		}
		if cfg.Writer.Kafka.Topic == "" {
			return fmt.Errorf("writer.kafka.topic is required when kafka output is enabled")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
