package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/config"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/processor"
	"bookflow/reader/coinbase"
	"bookflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bookflow.Name,
		"version":     cfg.Bookflow.Version,
		"environment": cfg.Bookflow.Environment,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.Interval.Std())
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(
			cfg.Metrics.CloudWatch.Region,
			cfg.Metrics.CloudWatch.Namespace,
			cfg.Metrics.CloudWatch.Dashboard,
		)
	}

	channels := channel.NewChannels(
		cfg.Channels.EventBuffer,
		cfg.Channels.SnapshotBuffer,
	)
	go channels.StartMetricsReporting(ctx)

	tickers, err := coinbase.LoadTickers(
		cfg.Reader.TickerPath,
		cfg.Reader.Products,
		cfg.Engine.TickerTolerance.Std(),
	)
	if err != nil {
		log.WithError(err).Error("failed to load ticker index")
		os.Exit(1)
	}

	var sinks []writer.Sink
	var sinkNames []string

	if cfg.Writer.CSV.Enabled {
		csvSink, err := writer.NewCSVSink(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create csv sink")
			os.Exit(1)
		}
		sinks = append(sinks, csvSink)
		sinkNames = append(sinkNames, "csv")
	}
	if cfg.Writer.Parquet.Enabled {
		parquetWriter, err := writer.NewParquetWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create parquet writer")
			os.Exit(1)
		}
		sinks = append(sinks, parquetWriter)
		sinkNames = append(sinkNames, "parquet")
	}
	if cfg.Writer.Kafka.Enabled {
		kafkaWriter, err := writer.NewKafkaWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		sinks = append(sinks, kafkaWriter)
		sinkNames = append(sinkNames, "kafka")
	}
	if len(sinks) == 0 {
		log.WithComponent("main").Warn("no sinks enabled, snapshots will be discarded")
	}

	reconstructor := processor.NewReconstructor(cfg, channels, tickers)
	fileReader := coinbase.NewFileReader(cfg, channels)

	if err := reconstructor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start reconstructor")
		os.Exit(1)
	}
	if err := fileReader.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start reader")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	// The dispatch loop hands every emitted snapshot to every enabled sink.
	// It ends when the snapshots channel closes, which happens after the
	// capture file is drained or the context is cancelled.
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for snap := range channels.Snapshots {
			for i, sink := range sinks {
				if err := sink.Append(snap); err != nil {
					log.WithComponent("main").WithError(err).WithFields(logger.Fields{
						"sink":       sinkNames[i],
						"product_id": snap.ProductID,
					}).Error("failed to append snapshot")
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	case <-dispatchDone:
		log.Info("replay complete")
	}

	log.Info("starting graceful shutdown")

	select {
	case <-dispatchDone:
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	fileReader.Stop()
	reconstructor.Stop()

	for i, sink := range sinks {
		log.WithFields(logger.Fields{"sink": sinkNames[i]}).Info("closing sink")
		if err := sink.Close(); err != nil {
			log.WithError(err).WithFields(logger.Fields{"sink": sinkNames[i]}).Error("failed to close sink")
		}
	}

	readerStats := fileReader.Stats()
	engineStats := reconstructor.Stats()
	log.WithFields(logger.Fields{
		"lines_read":        readerStats.LinesRead,
		"events_decoded":    readerStats.EventsDecoded,
		"malformed_lines":   readerStats.MalformedLines,
		"books_tracked":     engineStats.BooksTracked,
		"batches_applied":   engineStats.BatchesApplied,
		"updates_applied":   engineStats.UpdatesApplied,
		"snapshots_emitted": engineStats.SnapshotsEmitted,
	}).Info("bookflow stopped")
}
